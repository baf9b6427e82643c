package booking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
	"github.com/jwalitptl/booking-api/internal/service/otp"
	"github.com/jwalitptl/booking-api/pkg/audit"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

const (
	maxTransitionAttempts = 3
	expiredReason         = "expired"
)

var (
	ErrNotFound         = apperrors.NewNotFound("booking", nil)
	ErrSlotUnavailable  = apperrors.NewConflict("slot_unavailable", "the selected slot is not available")
	ErrSlotConflict     = apperrors.NewConflict("slot_conflict", "the selected slot has just been booked, please choose another")
	ErrNotVerified      = apperrors.NewValidation("not_verified", "contact verification is required to confirm this booking")
	ErrAlreadyVerified  = apperrors.NewConflict("already_verified", "booking has already been verified")
	ErrExpired          = apperrors.NewConflict("reservation_expired", "the reservation has expired, please book again")
	ErrTerminalState    = apperrors.NewConflict("terminal_state", "booking has been cancelled")
	ErrPaymentMismatch  = apperrors.NewConflict("payment_mismatch", "booking is already paid with a different payment")
	ErrConcurrentUpdate = apperrors.NewConflict("concurrent_update", "booking was updated concurrently, please retry")
)

// MissingFieldsError lists the absent contact fields.
func MissingFieldsError(fields []string) *apperrors.AppError {
	return apperrors.NewValidation("missing_fields", "missing required fields: "+strings.Join(fields, ", "))
}

// Slots is the availability view the lifecycle checks reservations against.
type Slots interface {
	IsBookable(ctx context.Context, providerID uuid.UUID, slot time.Time) (bool, error)
	Provider(ctx context.Context, id uuid.UUID) (*model.Provider, error)
	Location() *time.Location
}

// Sessions is the OTP view used to gate verification.
type Sessions interface {
	Session(ctx context.Context, sessionID string) (*model.OTPSession, error)
	MarkUsed(ctx context.Context, sessionID string, scope model.OTPScope, consumer string) error
	SessionFromToken(token string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, b *model.Booking, provider *model.Provider, event model.BookingEvent, channels []model.NotificationChannel) []model.ChannelOutcome
}

type Config struct {
	PendingTTL    time.Duration
	Fee           int64
	Currency      string
	NotifyTimeout time.Duration
}

type Service struct {
	repo     repository.BookingRepository
	slots    Slots
	sessions Sessions
	notifier Notifier
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewService(
	repo repository.BookingRepository,
	slots Slots,
	sessions Sessions,
	notifier Notifier,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	auditLog *audit.Logger,
) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{
		repo:     repo,
		slots:    slots,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		audit:    auditLog,
		now:      time.Now,
	}
}

// Create reserves a slot as a pending booking.
func (s *Service) Create(ctx context.Context, req *model.CreateBookingRequest) (*model.Booking, error) {
	contact := req.Contact()
	if missing := contact.Missing(); len(missing) > 0 {
		return nil, MissingFieldsError(missing)
	}

	ok, err := s.slots.IsBookable(ctx, req.ProviderID, req.SlotAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSlotUnavailable
	}

	now := s.now()
	expires := now.Add(s.cfg.PendingTTL)
	b := &model.Booking{
		ID:         uuid.New(),
		ProviderID: req.ProviderID,
		SlotAt:     req.SlotAt.In(s.slots.Location()),
		Status:     model.BookingStatusPending,
		Contact:    contact,
		Amount:     s.cfg.Fee,
		Currency:   s.cfg.Currency,
		ExpiresAt:  &expires,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	event, err := model.NewBookingEvent(model.EventBookingCreated, b)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	if err := s.repo.CreateIfSlotFree(ctx, b, event); err != nil {
		if errors.Is(err, repository.ErrSlotTaken) {
			if s.metrics != nil {
				s.metrics.BookingConflicts.Inc()
			}
			return nil, ErrSlotConflict
		}
		return nil, apperrors.NewTransient(err)
	}

	if s.metrics != nil {
		s.metrics.BookingsCreated.Inc()
	}
	s.audit.Transition(b.ID.String(), "", string(b.Status), "created")
	s.logger.Info("booking created",
		"booking_id", b.ID.String(), "provider_id", b.ProviderID.String(), "slot_at", b.SlotAt.Format(time.RFC3339))
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperrors.NewTransient(err)
	}
	return b, nil
}

// Verify confirms a pending booking with a verified OTP session, given
// directly or through its verification token. The session is spent on this
// booking; retrying with the same session after a partial failure is safe.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, req model.VerifyBookingRequest) (*model.Booking, error) {
	sessionID := req.SessionID
	if req.VerificationToken != "" {
		sid, err := s.sessions.SessionFromToken(req.VerificationToken)
		if err != nil {
			return nil, ErrNotVerified.Wrap(err)
		}
		sessionID = sid
	}
	if sessionID == "" {
		return nil, ErrNotVerified
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case b.Status == model.BookingStatusCancelled:
			return nil, ErrTerminalState
		case b.Status != model.BookingStatusPending:
			if b.OTPSessionID != nil && *b.OTPSessionID == sessionID {
				return b, nil
			}
			return nil, ErrAlreadyVerified
		case !b.IsLive(s.now()):
			return nil, ErrExpired
		}

		if err := s.consumeSession(ctx, b, sessionID); err != nil {
			return nil, err
		}

		updated, err := s.transition(ctx, b, model.BookingTransition{
			ID:           b.ID,
			From:         []model.BookingStatus{model.BookingStatusPending},
			To:           model.BookingStatusVerified,
			OTPSessionID: &sessionID,
		}, model.EventBookingVerified, "otp verified")
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConcurrentUpdate
}

// consumeSession checks the session belongs to the booking's contact and
// marks it used for this booking.
func (s *Service) consumeSession(ctx context.Context, b *model.Booking, sessionID string) error {
	session, err := s.sessions.Session(ctx, sessionID)
	if err != nil {
		if isTransient(err) {
			return err
		}
		return ErrNotVerified.Wrap(err)
	}
	if !matchesContact(session.Identifier, b.Contact) {
		s.audit.TrustFailure("booking_verify", "session identifier does not match booking contact",
			zap.String("booking_id", b.ID.String()), zap.String("session_id", sessionID))
		return ErrNotVerified
	}

	consumer := b.ID.String()
	err = s.sessions.MarkUsed(ctx, sessionID, model.OTPScopeBooking, consumer)
	if err == nil {
		return nil
	}
	if errors.Is(err, otp.ErrAlreadyUsed) {
		// A previous attempt may have spent the session on this booking and
		// failed before the transition landed.
		if session, gerr := s.sessions.Session(ctx, sessionID); gerr == nil && session.UsedBy == consumer {
			return nil
		}
	}
	if isTransient(err) {
		return err
	}
	return ErrNotVerified.Wrap(err)
}

// MarkPaid records a captured payment. Repeating it with the same payment id
// is a no-op; a confirmation is dispatched only when the status changed.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, paymentID string) (*model.Booking, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case b.Status == model.BookingStatusCancelled:
			return nil, ErrTerminalState
		case b.Status == model.BookingStatusPaid:
			if b.PaymentID != nil && *b.PaymentID == paymentID {
				return b, nil
			}
			return nil, ErrPaymentMismatch
		case !b.IsLive(s.now()):
			return nil, ErrExpired
		}

		updated, err := s.transition(ctx, b, model.BookingTransition{
			ID:        b.ID,
			From:      []model.BookingStatus{model.BookingStatusPending, model.BookingStatusVerified},
			To:        model.BookingStatusPaid,
			PaymentID: &paymentID,
		}, model.EventBookingPaid, "payment captured")
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.notify(ctx, updated, model.BookingEventConfirmation)
		return updated, nil
	}
	return nil, ErrConcurrentUpdate
}

// Cancel moves any live booking to cancelled and dispatches a cancellation.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*model.Booking, error) {
	var reasonPtr *string
	if reason = strings.TrimSpace(reason); reason != "" {
		reasonPtr = &reason
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !b.IsLive(s.now()) {
			return nil, ErrTerminalState
		}

		updated, err := s.transition(ctx, b, model.BookingTransition{
			ID:           b.ID,
			From:         []model.BookingStatus{model.BookingStatusPending, model.BookingStatusVerified, model.BookingStatusPaid},
			To:           model.BookingStatusCancelled,
			CancelReason: reasonPtr,
		}, model.EventBookingCancelled, reason)
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.notify(ctx, updated, model.BookingEventCancellation)
		return updated, nil
	}
	return nil, ErrConcurrentUpdate
}

// ExpireStale cancels up to limit pending bookings whose hold has lapsed.
// Expiry is silent: the contact never confirmed, so nothing is dispatched.
func (s *Service) ExpireStale(ctx context.Context, limit int) (int, error) {
	expired, err := s.repo.ExpireStale(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, b := range expired {
		s.audit.Transition(b.ID.String(), string(model.BookingStatusPending), string(model.BookingStatusCancelled), expiredReason)
	}
	if s.metrics != nil && len(expired) > 0 {
		s.metrics.BookingsExpired.Add(float64(len(expired)))
	}
	return len(expired), nil
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) transition(ctx context.Context, b *model.Booking, t model.BookingTransition, eventType, reason string) (*model.Booking, error) {
	next := *b
	next.Status = t.To
	event, err := model.NewBookingEvent(eventType, &next)
	if err != nil {
		return nil, apperrors.NewInternal(err)
	}
	t.Event = event

	updated, err := s.repo.Transition(ctx, t)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, err
		}
		return nil, apperrors.NewTransient(err)
	}

	if s.metrics != nil {
		s.metrics.BookingTransitions.WithLabelValues(string(t.To)).Inc()
	}
	s.audit.Transition(b.ID.String(), string(b.Status), string(t.To), reason)
	return updated, nil
}

// notify dispatches in the background so the caller's response does not wait
// on delivery. The dispatch outlives the request context.
func (s *Service) notify(ctx context.Context, b *model.Booking, event model.BookingEvent) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
		defer cancel()

		provider, err := s.slots.Provider(ctx, b.ProviderID)
		if err != nil {
			s.logger.Error(err, "failed to load provider for notification", "booking_id", b.ID.String())
		}
		for _, o := range s.notifier.Notify(ctx, b, provider, event, nil) {
			if o.Status == model.NotificationStatusFailed {
				s.logger.Warn("notification channel failed",
					"booking_id", b.ID.String(), "event", string(event), "channel", string(o.Channel))
			}
		}
	}()
}

func matchesContact(identifier string, c model.Contact) bool {
	if identifier == "" {
		return false
	}
	return identifier == otp.NormalizeIdentifier(c.Email) || identifier == otp.NormalizeIdentifier(c.Phone)
}

func isTransient(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Kind == apperrors.KindTransient
}
