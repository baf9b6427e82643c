package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
	"github.com/jwalitptl/booking-api/internal/service/booking"
	"github.com/jwalitptl/booking-api/pkg/audit"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/logger"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

const failedPaymentReason = "payment failed"

var (
	ErrInvalidSignature = apperrors.NewTrust("invalid_signature", "invalid signature")
	ErrMalformedPayload = apperrors.NewValidation("malformed_payload", "malformed webhook payload")
	ErrNotPayable       = apperrors.NewConflict("not_payable", "booking must be verified before payment")
	ErrAlreadyPaid      = apperrors.NewConflict("already_paid", "booking has already been paid")
	ErrGateway          = &apperrors.AppError{Kind: apperrors.KindTransient, Code: "gateway_unavailable", Message: "payment gateway is unavailable, please retry"}
	ErrMissingReturn    = apperrors.NewValidation("missing_fields", "order id, payment id and signature are required")
)

// Webhook outcomes, also used as metric labels.
const (
	OutcomeApplied        = "applied"
	OutcomeReplayed       = "replayed"
	OutcomeIgnored        = "ignored"
	OutcomeUnknownOrder   = "unknown_order"
	OutcomeAmountMismatch = "amount_mismatch"
	OutcomeRefundRequired = "refund_required"
	OutcomeRejected       = "rejected"
)

// Bookings is the lifecycle view the adapter drives.
type Bookings interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Booking, error)
	MarkPaid(ctx context.Context, id uuid.UUID, paymentID string) (*model.Booking, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*model.Booking, error)
}

type Config struct {
	// WebhookSecret signs server callbacks.
	WebhookSecret string
	// KeySecret signs checkout returns.
	KeySecret string
}

type Service struct {
	repo     repository.PaymentRepository
	bookings Bookings
	gateway  Gateway
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
}

func NewService(
	repo repository.PaymentRepository,
	bookings Bookings,
	gateway Gateway,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
	auditLog *audit.Logger,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{
		repo:     repo,
		bookings: bookings,
		gateway:  gateway,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		audit:    auditLog,
	}
}

// CreateOrder opens a gateway order for a verified booking, or returns the
// booking's active order. The booking itself is not transitioned.
func (s *Service) CreateOrder(ctx context.Context, bookingID uuid.UUID) (*model.PaymentOrder, error) {
	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case model.BookingStatusVerified:
	case model.BookingStatusPaid:
		return nil, ErrAlreadyPaid
	case model.BookingStatusCancelled:
		return nil, booking.ErrTerminalState
	default:
		return nil, ErrNotPayable
	}

	existing, err := s.repo.GetActiveOrder(ctx, bookingID)
	if err == nil {
		s.observeOrder("reused")
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewTransient(err)
	}

	gw, err := s.gateway.CreateOrder(ctx, b.Amount, b.Currency, b.ID.String())
	if err != nil {
		s.observeOrder("gateway_error")
		s.audit.Failure("gateway_create_order", err, zap.String("booking_id", b.ID.String()))
		return nil, ErrGateway.Wrap(err)
	}

	now := time.Now()
	order := &model.PaymentOrder{
		OrderID:   gw.ID,
		BookingID: b.ID,
		Amount:    b.Amount,
		Currency:  b.Currency,
		Status:    model.PaymentOrderCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// A concurrent request won; hand out its order.
			if winner, gerr := s.repo.GetActiveOrder(ctx, bookingID); gerr == nil {
				s.observeOrder("reused")
				return winner, nil
			}
		}
		return nil, apperrors.NewTransient(err)
	}

	s.observeOrder("created")
	s.logger.Info("payment order created", "booking_id", b.ID.String(), "order_id", order.OrderID)
	return order, nil
}

// HandleWebhook authenticates a gateway callback over its raw body and
// applies it at most once. A nil error means the gateway should consider the
// event delivered.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (string, error) {
	if err := VerifyCallback(rawBody, signature, s.cfg.WebhookSecret); err != nil {
		if s.metrics != nil {
			s.metrics.SignatureFailures.Inc()
		}
		s.audit.TrustFailure("payment_webhook", "signature mismatch",
			zap.Int("body_bytes", len(rawBody)), zap.Bool("signature_present", signature != ""))
		s.observeWebhook("unverified", OutcomeRejected)
		return OutcomeRejected, ErrInvalidSignature
	}

	event, err := ParseWebhook(rawBody)
	if err != nil {
		s.audit.Failure("payment_webhook_parse", err)
		s.observeWebhook("unparsed", OutcomeRejected)
		return OutcomeRejected, ErrMalformedPayload.Wrap(err)
	}

	var outcome string
	kindLabel := string(event.Kind())
	switch e := event.(type) {
	case PaymentCaptured:
		outcome, err = s.applyCapture(ctx, e.Kind(), e.OrderID, e.PaymentID, e.Amount)
	case OrderPaid:
		outcome, err = s.applyCapture(ctx, e.Kind(), e.OrderID, e.PaymentID, e.Amount)
	case PaymentFailed:
		outcome, err = s.applyFailure(ctx, e)
	default:
		outcome = OutcomeIgnored
		kindLabel = "unknown"
		s.logger.Debug("ignoring webhook event", "event", string(event.Kind()))
	}
	s.observeWebhook(kindLabel, outcomeLabel(outcome, err))
	return outcome, err
}

func (s *Service) applyCapture(ctx context.Context, kind model.WebhookEventKind, orderID, paymentID string, amount int64) (string, error) {
	key := string(kind) + ":" + paymentID
	if done, err := s.claim(ctx, key, kind); err != nil {
		return "", err
	} else if done {
		return OutcomeReplayed, nil
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.audit.TrustFailure("payment_webhook", "capture for unknown order",
				zap.String("order_id", orderID), zap.String("payment_id", paymentID))
			return OutcomeUnknownOrder, nil
		}
		return "", s.release(ctx, key, err)
	}
	if amount != order.Amount {
		s.audit.TrustFailure("payment_webhook", "captured amount does not match order",
			zap.String("order_id", orderID), zap.Int64("expected", order.Amount), zap.Int64("captured", amount))
		return OutcomeAmountMismatch, nil
	}

	_, err = s.bookings.MarkPaid(ctx, order.BookingID, paymentID)
	switch {
	case err == nil:
	case errors.Is(err, booking.ErrTerminalState), errors.Is(err, booking.ErrExpired), errors.Is(err, booking.ErrPaymentMismatch):
		// Money was taken for a booking that can no longer be honoured.
		s.audit.Event("payment_refund_required",
			zap.String("booking_id", order.BookingID.String()),
			zap.String("order_id", orderID),
			zap.String("payment_id", paymentID),
			zap.String("reason", err.Error()))
		s.updateOrder(ctx, orderID, model.PaymentOrderPaid, &paymentID)
		return OutcomeRefundRequired, nil
	default:
		return "", s.release(ctx, key, err)
	}

	s.updateOrder(ctx, orderID, model.PaymentOrderPaid, &paymentID)
	return OutcomeApplied, nil
}

func (s *Service) applyFailure(ctx context.Context, e PaymentFailed) (string, error) {
	key := string(e.Kind()) + ":" + e.PaymentID
	if done, err := s.claim(ctx, key, e.Kind()); err != nil {
		return "", err
	} else if done {
		return OutcomeReplayed, nil
	}

	order, err := s.repo.GetOrder(ctx, e.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return OutcomeUnknownOrder, nil
		}
		return "", s.release(ctx, key, err)
	}

	b, err := s.bookings.Get(ctx, order.BookingID)
	if err != nil {
		return "", s.release(ctx, key, err)
	}
	if b.Status == model.BookingStatusPaid || b.Status == model.BookingStatusCancelled {
		return OutcomeIgnored, nil
	}

	if _, err := s.bookings.Cancel(ctx, b.ID, failedPaymentReason); err != nil && !errors.Is(err, booking.ErrTerminalState) {
		return "", s.release(ctx, key, err)
	}
	s.audit.Event("payment_failed",
		zap.String("booking_id", b.ID.String()),
		zap.String("payment_id", e.PaymentID),
		zap.String("detail", e.Reason))
	s.updateOrder(ctx, e.OrderID, model.PaymentOrderFailed, &e.PaymentID)
	return OutcomeApplied, nil
}

// VerifyClientReturn checks the checkout return signature over
// "orderID|paymentID". It is informational only and never changes state.
func (s *Service) VerifyClientReturn(orderID, paymentID, signature string) (bool, error) {
	if orderID == "" || paymentID == "" || signature == "" {
		return false, ErrMissingReturn
	}
	if err := VerifyCallback(clientReturnPayload(orderID, paymentID), signature, s.cfg.KeySecret); err != nil {
		if s.metrics != nil {
			s.metrics.SignatureFailures.Inc()
		}
		s.audit.TrustFailure("payment_client_return", "signature mismatch",
			zap.String("order_id", orderID), zap.String("payment_id", paymentID))
		return false, nil
	}
	return true, nil
}

// claim records key in the replay ledger. done is true when the key was
// already processed.
func (s *Service) claim(ctx context.Context, key string, kind model.WebhookEventKind) (done bool, err error) {
	err = s.repo.RecordWebhookEvent(ctx, key, string(kind))
	if errors.Is(err, repository.ErrDuplicate) {
		s.logger.Info("webhook replay ignored", "event_key", key)
		return true, nil
	}
	if err != nil {
		return false, apperrors.NewTransient(err)
	}
	return false, nil
}

// release frees the ledger key so the gateway's retry is processed, and
// returns cause as a retryable error.
func (s *Service) release(ctx context.Context, key string, cause error) error {
	if err := s.repo.DeleteWebhookEvent(context.WithoutCancel(ctx), key); err != nil {
		s.audit.Failure("webhook_ledger_release", err, zap.String("event_key", key))
	}
	s.audit.Failure("payment_webhook", cause, zap.String("event_key", key))
	var appErr *apperrors.AppError
	if errors.As(cause, &appErr) && appErr.Kind == apperrors.KindTransient {
		return cause
	}
	return apperrors.NewTransient(cause)
}

func (s *Service) updateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID *string) {
	if err := s.repo.UpdateOrderStatus(ctx, orderID, status, paymentID); err != nil {
		s.logger.Error(err, "failed to update payment order", "order_id", orderID, "status", string(status))
	}
}

func (s *Service) observeOrder(result string) {
	if s.metrics != nil {
		s.metrics.PaymentOrders.WithLabelValues(result).Inc()
	}
}

func (s *Service) observeWebhook(kind, outcome string) {
	if s.metrics != nil {
		s.metrics.WebhookEvents.WithLabelValues(kind, outcome).Inc()
	}
}

func outcomeLabel(outcome string, err error) string {
	if err != nil {
		return "error"
	}
	return outcome
}
