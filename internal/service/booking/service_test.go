package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jwalitptl/booking-api/internal/model"
	redisrepo "github.com/jwalitptl/booking-api/internal/repository/redis"
	"github.com/jwalitptl/booking-api/internal/repository/repotest"
	"github.com/jwalitptl/booking-api/internal/service/availability"
	"github.com/jwalitptl/booking-api/internal/service/otp"
	"github.com/jwalitptl/booking-api/pkg/auth"
	"github.com/jwalitptl/booking-api/pkg/metrics"
	"github.com/jwalitptl/booking-api/pkg/security"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type notifyCall struct {
	bookingID uuid.UUID
	event     model.BookingEvent
	provider  string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *recordingNotifier) Notify(_ context.Context, b *model.Booking, provider *model.Provider, event model.BookingEvent, _ []model.NotificationChannel) []model.ChannelOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	name := ""
	if provider != nil {
		name = provider.Name
	}
	n.calls = append(n.calls, notifyCall{b.ID, event, name})
	return []model.ChannelOutcome{{Channel: model.ChannelEmail, Status: model.NotificationStatusSent}}
}

func (n *recordingNotifier) events() []model.BookingEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.BookingEvent, len(n.calls))
	for i, c := range n.calls {
		out[i] = c.event
	}
	return out
}

type codeBox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeBox) SendCode(_ context.Context, _ model.NotificationChannel, identifier, code string, _ model.OTPScope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[identifier] = code
	return nil
}

type fixture struct {
	svc        *Service
	otp        *otp.Service
	codes      *codeBox
	bookings   *repotest.Bookings
	notifier   *recordingNotifier
	providerID uuid.UUID
	slot       time.Time
}

// nextMonday returns a Monday at least a week ahead so slots are in the future.
func nextMonday() time.Time {
	d := time.Now().In(ist).AddDate(0, 0, 7)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, ist)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metrics.NewMetrics(prometheus.NewRegistry())

	pid := uuid.New()
	monday := nextMonday()
	bookings := repotest.NewBookings()
	slots := availability.NewService(
		repotest.NewProviders(&model.Provider{ID: pid, Name: "Dr. Mehta"}),
		&repotest.Availability{Slots: []model.TemplateSlot{
			{ProviderID: pid, Weekday: 1, SlotLabel: "10:00"},
			{ProviderID: pid, Weekday: 1, SlotLabel: "11:00"},
		}},
		bookings,
		availability.Config{Location: ist, MaxRangeDays: 60, CacheTTL: time.Minute},
		reg,
	)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	codes := &codeBox{codes: map[string]string{}}
	otpSvc := otp.NewService(
		redisrepo.NewOTPRepository(client, time.Hour),
		codes,
		security.NewBcryptHasher(bcrypt.MinCost),
		auth.NewTokenService("secret", "booking-api"),
		otp.Config{TTL: 5 * time.Minute},
		reg, nil,
	)

	notifier := &recordingNotifier{}
	svc := NewService(bookings, slots, otpSvc, notifier,
		Config{PendingTTL: 15 * time.Minute, Fee: 50000, Currency: "INR"}, nil, reg, nil)

	return &fixture{
		svc:        svc,
		otp:        otpSvc,
		codes:      codes,
		bookings:   bookings,
		notifier:   notifier,
		providerID: pid,
		slot:       monday.Add(10 * time.Hour),
	}
}

func (f *fixture) request() *model.CreateBookingRequest {
	return &model.CreateBookingRequest{
		ProviderID:   f.providerID,
		SlotAt:       f.slot,
		GuardianName: "Ravi",
		PatientName:  "Asha",
		Phone:        "+919800000001",
		Email:        "ravi@example.com",
	}
}

// verifiedSession runs the OTP flow for identifier and returns the session id
// and verification token.
func (f *fixture) verifiedSession(t *testing.T, identifier string) (string, string) {
	t.Helper()
	ctx := context.Background()
	issued, err := f.otp.Issue(ctx, identifier, model.OTPScopeBooking)
	require.NoError(t, err)
	f.codes.mu.Lock()
	code := f.codes.codes[otp.NormalizeIdentifier(identifier)]
	f.codes.mu.Unlock()
	verified, err := f.otp.Verify(ctx, issued.SessionID, code)
	require.NoError(t, err)
	return issued.SessionID, verified.VerificationToken
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusPending, b.Status)
	assert.Equal(t, int64(50000), b.Amount)
	assert.Equal(t, "INR", b.Currency)
	require.NotNil(t, b.ExpiresAt)
	assert.Equal(t, []string{model.EventBookingCreated}, f.bookings.EventTypes())

	// The slot is no longer offered.
	_, err = f.svc.Create(ctx, f.request())
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request()
	req.GuardianName = ""
	req.Email = ""
	_, err := f.svc.Create(ctx, req)
	require.Error(t, err)
	assert.Equal(t, "missing required fields: guardian_name, email", err.Error())

	req = f.request()
	req.SlotAt = f.slot.Add(2 * time.Hour)
	_, err = f.svc.Create(ctx, req)
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

type openSlots struct{ Slots }

func (openSlots) IsBookable(context.Context, uuid.UUID, time.Time) (bool, error) { return true, nil }

func TestConcurrentCreateSingleWinner(t *testing.T) {
	f := newFixture(t)
	// Skip the availability read so every caller reaches the conditional insert.
	f.svc.slots = openSlots{f.svc.slots}
	ctx := context.Background()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Create(ctx, f.request())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrSlotConflict)
	}
	assert.Equal(t, 1, wins)
}

func TestVerifiedFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	sessionID, _ := f.verifiedSession(t, "Ravi@Example.com")

	verified, err := f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: sessionID})
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, verified.Status)
	assert.Nil(t, verified.ExpiresAt)

	// Retrying is a no-op; the session cannot be spent again.
	again, err := f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: sessionID})
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, again.Status)
	assert.ErrorIs(t, f.otp.MarkUsed(ctx, sessionID, model.OTPScopeBooking, b.ID.String()), otp.ErrAlreadyUsed)

	assert.Equal(t, []string{model.EventBookingCreated, model.EventBookingVerified}, f.bookings.EventTypes())
}

func TestVerifyWithToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	_, token := f.verifiedSession(t, "+91 98000 00001")

	verified, err := f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{VerificationToken: token})
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, verified.Status)

	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{VerificationToken: "garbage"})
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestVerifyRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{})
	assert.ErrorIs(t, err, ErrNotVerified)

	// Session for someone else.
	foreign, _ := f.verifiedSession(t, "mallory@example.com")
	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: foreign})
	assert.ErrorIs(t, err, ErrNotVerified)

	// Issued but never verified.
	issued, err := f.otp.Issue(ctx, "ravi@example.com", model.OTPScopeBooking)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: issued.SessionID})
	assert.ErrorIs(t, err, ErrNotVerified)

	// Verified for another purpose.
	contact, err := f.otp.Issue(ctx, "ravi@example.com", model.OTPScopeContact)
	require.NoError(t, err)
	_, err = f.otp.Verify(ctx, contact.SessionID, f.codes.codes["ravi@example.com"])
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: contact.SessionID})
	assert.ErrorIs(t, err, ErrNotVerified)

	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusPending, got.Status)
}

func TestVerifyRetryAfterSessionSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	sessionID, _ := f.verifiedSession(t, "ravi@example.com")

	// An earlier attempt spent the session and failed before transitioning.
	require.NoError(t, f.otp.MarkUsed(ctx, sessionID, model.OTPScopeBooking, b.ID.String()))

	verified, err := f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: sessionID})
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, verified.Status)

	// The same session cannot confirm a different booking.
	req := f.request()
	req.SlotAt = f.slot.Add(time.Hour)
	other, err := f.svc.Create(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, other.ID, model.VerifyBookingRequest{SessionID: sessionID})
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestMarkPaidIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	sessionID, _ := f.verifiedSession(t, "ravi@example.com")
	_, err = f.svc.Verify(ctx, b.ID, model.VerifyBookingRequest{SessionID: sessionID})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		paid, err := f.svc.MarkPaid(ctx, b.ID, "pay_1")
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusPaid, paid.Status)
		assert.Equal(t, "pay_1", *paid.PaymentID)
	}
	f.svc.Wait()
	assert.Equal(t, []model.BookingEvent{model.BookingEventConfirmation}, f.notifier.events())
	assert.Equal(t, "Dr. Mehta", f.notifier.calls[0].provider)

	_, err = f.svc.MarkPaid(ctx, b.ID, "pay_2")
	assert.ErrorIs(t, err, ErrPaymentMismatch)
}

func TestPaidThenCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(ctx, b.ID, "pay_1")
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, b.ID, "  patient unwell ")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
	assert.Equal(t, "patient unwell", *cancelled.CancelReason)

	_, err = f.svc.Cancel(ctx, b.ID, "")
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = f.svc.MarkPaid(ctx, b.ID, "pay_1")
	assert.ErrorIs(t, err, ErrTerminalState)

	f.svc.Wait()
	assert.Equal(t, []model.BookingEvent{model.BookingEventConfirmation, model.BookingEventCancellation}, f.notifier.events())
	assert.Equal(t, []string{
		model.EventBookingCreated, model.EventBookingPaid, model.EventBookingCancelled,
	}, f.bookings.EventTypes())

	// The slot is free again.
	_, err = f.svc.Create(ctx, f.request())
	assert.NoError(t, err)
}

func TestExpiredPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	stale, err := f.svc.Create(ctx, f.request())
	require.NoError(t, err)
	f.svc.now = time.Now

	sessionID, _ := f.verifiedSession(t, "ravi@example.com")
	_, err = f.svc.Verify(ctx, stale.ID, model.VerifyBookingRequest{SessionID: sessionID})
	assert.ErrorIs(t, err, ErrExpired)
	_, err = f.svc.MarkPaid(ctx, stale.ID, "pay_1")
	assert.ErrorIs(t, err, ErrExpired)

	n, err := f.svc.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, got.Status)
	assert.Equal(t, "expired", *got.CancelReason)

	_, err = f.svc.Create(ctx, f.request())
	assert.NoError(t, err)
	f.svc.Wait()
	assert.Empty(t, f.notifier.events())
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
