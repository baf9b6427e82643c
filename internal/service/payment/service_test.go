package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository/repotest"
	"github.com/jwalitptl/booking-api/internal/service/booking"
	"github.com/jwalitptl/booking-api/internal/service/notification"
	"github.com/jwalitptl/booking-api/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

const (
	webhookSecret = "whsec_test"
	keySecret     = "key_secret_test"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type stubSlots struct{ provider *model.Provider }

func (stubSlots) IsBookable(context.Context, uuid.UUID, time.Time) (bool, error) { return true, nil }
func (s stubSlots) Provider(context.Context, uuid.UUID) (*model.Provider, error) {
	return s.provider, nil
}
func (stubSlots) Location() *time.Location { return ist }

type countingEmail struct{ sent atomic.Int32 }

func (c *countingEmail) SendCustom(context.Context, string, string, string) error {
	c.sent.Add(1)
	return nil
}

type countingSMS struct{ sent atomic.Int32 }

func (c *countingSMS) SendSMS(context.Context, string, string) error {
	c.sent.Add(1)
	return nil
}

type nopBroker struct{}

func (nopBroker) Publish(context.Context, string, interface{}) error          { return nil }
func (nopBroker) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (nopBroker) Close() error                                              { return nil }

type fakeGateway struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string) (*GatewayOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.calls++
	return &GatewayOrder{ID: fmt.Sprintf("order_%d", g.calls), Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

type fixture struct {
	svc       *Service
	bookings  *repotest.Bookings
	lifecycle *booking.Service
	payments  *repotest.Payments
	records   *repotest.Notifications
	email     *countingEmail
	gateway   *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metrics.NewMetrics(prometheus.NewRegistry())
	bookings := repotest.NewBookings()
	records := repotest.NewNotifications()
	email := &countingEmail{}

	dispatcher := notification.NewDispatcher(records, email, &countingSMS{},
		notification.NewChatLinkPublisher(nopBroker{}, ""),
		notification.Config{Location: ist}, nil, reg, nil)
	lifecycle := booking.NewService(bookings, stubSlots{&model.Provider{Name: "Dr. Mehta"}}, nil, dispatcher,
		booking.Config{Fee: 50000, Currency: "INR"}, nil, reg, nil)

	payments := repotest.NewPayments()
	gw := &fakeGateway{}
	svc := NewService(payments, lifecycle, gw, Config{WebhookSecret: webhookSecret, KeySecret: keySecret}, nil, reg, nil)
	return &fixture{svc: svc, bookings: bookings, lifecycle: lifecycle, payments: payments, records: records, email: email, gateway: gw}
}

func (f *fixture) putBooking(status model.BookingStatus) *model.Booking {
	b := &model.Booking{
		ID:         uuid.New(),
		ProviderID: uuid.New(),
		SlotAt:     time.Now().Add(72 * time.Hour).Truncate(time.Hour),
		Status:     status,
		Contact: model.Contact{
			GuardianName: "Ravi", PatientName: "Asha", Phone: "+919800000001", Email: "ravi@example.com",
		},
		Amount:    50000,
		Currency:  "INR",
		CreatedAt: time.Now(),
	}
	f.bookings.Put(b)
	return b
}

func paymentBody(event, orderID, paymentID string, amount int64) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"entity":   "event",
		"event":    event,
		"contains": []string{"payment"},
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":                paymentID,
					"order_id":          orderID,
					"amount":            amount,
					"currency":          "INR",
					"status":            "captured",
					"error_description": "card declined",
				},
			},
			"order": map[string]interface{}{
				"entity": map[string]interface{}{"id": orderID, "amount": amount, "receipt": "r"},
			},
		},
	})
	return body
}

func TestVerifyCallback(t *testing.T) {
	body := []byte(`{"event":"payment.captured","payload":{}}`)
	sig := Sign(body, webhookSecret)

	require.NoError(t, VerifyCallback(body, sig, webhookSecret))
	require.NoError(t, VerifyCallback(body, " "+sig+"\n", webhookSecret))

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.Error(t, VerifyCallback(mutated, sig, webhookSecret), "mutation at byte %d accepted", i)
	}

	assert.Error(t, VerifyCallback(body, "", webhookSecret))
	assert.Error(t, VerifyCallback(body, "not-hex", webhookSecret))
	assert.Error(t, VerifyCallback(body, sig[:len(sig)-2], webhookSecret))
	assert.Error(t, VerifyCallback(body, sig, "other-secret"))
	assert.Error(t, VerifyCallback(body, sig, ""))
	assert.Error(t, VerifyCallback(nil, sig, webhookSecret))
}

func TestParseWebhook(t *testing.T) {
	e, err := ParseWebhook(paymentBody("payment.captured", "order_1", "pay_1", 50000))
	require.NoError(t, err)
	assert.Equal(t, PaymentCaptured{OrderID: "order_1", PaymentID: "pay_1", Amount: 50000, Currency: "INR"}, e)

	e, err = ParseWebhook(paymentBody("order.paid", "order_1", "pay_1", 50000))
	require.NoError(t, err)
	assert.Equal(t, OrderPaid{OrderID: "order_1", PaymentID: "pay_1", Amount: 50000, Currency: "INR", Receipt: "r"}, e)

	e, err = ParseWebhook(paymentBody("payment.failed", "order_1", "pay_1", 50000))
	require.NoError(t, err)
	assert.Equal(t, PaymentFailed{OrderID: "order_1", PaymentID: "pay_1", Reason: "card declined"}, e)

	e, err = ParseWebhook([]byte(`{"event":"refund.processed","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, UnknownEvent{Name: "refund.processed"}, e)

	_, err = ParseWebhook([]byte(`{"event":"payment.captured","payload":{}}`))
	assert.Error(t, err)
	_, err = ParseWebhook([]byte(`{"event":`))
	assert.Error(t, err)
	_, err = ParseWebhook([]byte(`{}`))
	assert.Error(t, err)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.putBooking(model.BookingStatusPending)
	_, err := f.svc.CreateOrder(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotPayable)

	b := f.putBooking(model.BookingStatusVerified)
	order, err := f.svc.CreateOrder(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_1", order.OrderID)
	assert.Equal(t, int64(50000), order.Amount)
	assert.Equal(t, "INR", order.Currency)

	again, err := f.svc.CreateOrder(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, again.OrderID)
	assert.Equal(t, 1, f.gateway.calls)

	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, got.Status, "order creation must not transition")

	f.gateway.err = errors.New("connection refused")
	other := f.putBooking(model.BookingStatusVerified)
	_, err = f.svc.CreateOrder(ctx, other.ID)
	assert.ErrorIs(t, err, ErrGateway)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.Retryable())
}

func (f *fixture) orderFor(t *testing.T, status model.BookingStatus) (*model.Booking, *model.PaymentOrder) {
	t.Helper()
	b := f.putBooking(model.BookingStatusVerified)
	order, err := f.svc.CreateOrder(context.Background(), b.ID)
	require.NoError(t, err)
	if status != model.BookingStatusVerified {
		b.Status = status
		f.bookings.Put(b)
	}
	return b, order
}

func TestWebhookReplayNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)

	body := paymentBody("payment.captured", order.OrderID, "pay_1", order.Amount)
	sig := Sign(body, webhookSecret)

	outcome, err := f.svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplayed, outcome)

	// order.paid for the same payment is applied but changes nothing.
	paid := paymentBody("order.paid", order.OrderID, "pay_1", order.Amount)
	outcome, err = f.svc.HandleWebhook(ctx, paid, Sign(paid, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	f.lifecycle.Wait()
	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusPaid, got.Status)
	assert.Equal(t, "pay_1", *got.PaymentID)
	assert.Equal(t, int32(1), f.email.sent.Load())
	assert.Equal(t, 3, f.records.Count(b.ID, model.BookingEventConfirmation, model.NotificationStatusSent))

	stored, err := f.payments.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentOrderPaid, stored.Status)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)

	body := paymentBody("payment.captured", order.OrderID, "pay_1", order.Amount)
	sig := Sign(body, webhookSecret)
	body[len(body)-2] = ' '

	_, err := f.svc.HandleWebhook(ctx, body, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = f.svc.HandleWebhook(ctx, body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, got.Status)
}

func TestWebhookPaymentFailedCancels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)

	body := paymentBody("payment.failed", order.OrderID, "pay_9", order.Amount)
	outcome, err := f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	f.lifecycle.Wait()
	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, got.Status)
	assert.Equal(t, "payment failed", *got.CancelReason)

	stored, err := f.payments.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentOrderFailed, stored.Status)
}

func TestWebhookPaymentFailedAfterPaidIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusPaid)

	body := paymentBody("payment.failed", order.OrderID, "pay_9", order.Amount)
	outcome, err := f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusPaid, got.Status)
}

func TestWebhookCaptureOnCancelledBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusCancelled)

	body := paymentBody("payment.captured", order.OrderID, "pay_1", order.Amount)
	outcome, err := f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefundRequired, outcome)

	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, got.Status)
}

func TestWebhookAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)

	body := paymentBody("payment.captured", order.OrderID, "pay_1", 100)
	outcome, err := f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAmountMismatch, outcome)

	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, got.Status)
}

func TestWebhookUnknownAndUnmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := []byte(`{"event":"refund.processed","payload":{}}`)
	outcome, err := f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	body = paymentBody("payment.captured", "order_missing", "pay_1", 50000)
	outcome, err = f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownOrder, outcome)

	body = []byte(`{"event":"payment.captured","payload":{}}`)
	_, err = f.svc.HandleWebhook(ctx, body, Sign(body, webhookSecret))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestWebhookTransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)
	body := paymentBody("payment.captured", order.OrderID, "pay_1", order.Amount)
	sig := Sign(body, webhookSecret)

	f.bookings.Err = errors.New("connection reset")
	_, err := f.svc.HandleWebhook(ctx, body, sig)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.Retryable())

	f.bookings.Err = nil
	outcome, err := f.svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	f.lifecycle.Wait()
	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusPaid, got.Status)
}

func TestVerifyClientReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, order := f.orderFor(t, model.BookingStatusVerified)

	sig := Sign([]byte(order.OrderID+"|pay_1"), keySecret)
	ok, err := f.svc.VerifyClientReturn(order.OrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.VerifyClientReturn(order.OrderID, "pay_2", sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.VerifyClientReturn(order.OrderID, "", sig)
	assert.ErrorIs(t, err, ErrMissingReturn)

	// Never authoritative.
	got, err := f.lifecycle.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusVerified, got.Status)
}

func TestRazorpayClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_key", user)
		assert.Equal(t, "rzp_secret", pass)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		var req orderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Amount <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"description":"amount invalid"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(GatewayOrder{ID: "order_X", Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"})
	}))
	defer srv.Close()

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{Name: "gateway"}, zerolog.Nop())
	client := NewRazorpayClient(GatewayConfig{BaseURL: srv.URL, KeyID: "rzp_key", KeySecret: "rzp_secret"}, cb,
		metrics.NewMetrics(prometheus.NewRegistry()))

	order, err := client.CreateOrder(context.Background(), 50000, "INR", "receipt-1")
	require.NoError(t, err)
	assert.Equal(t, &GatewayOrder{ID: "order_X", Amount: 50000, Currency: "INR", Receipt: "receipt-1", Status: "created"}, order)

	_, err = client.CreateOrder(context.Background(), 0, "INR", "receipt-2")
	assert.ErrorContains(t, err, "amount invalid")
}
