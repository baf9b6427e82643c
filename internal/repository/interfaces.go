package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrSlotTaken is returned when a live booking already holds (provider, slot).
	ErrSlotTaken = errors.New("slot already booked")
	// ErrStaleTransition is returned when a conditional transition matched no row.
	ErrStaleTransition = errors.New("booking status changed concurrently")
	// ErrDuplicate is returned by insert-once ledgers on replay.
	ErrDuplicate = errors.New("duplicate record")

	// OTP store results, in the order MarkUsed checks them.
	ErrSessionExpired     = errors.New("otp session expired")
	ErrSessionAlreadyUsed = errors.New("otp session already used")
	ErrSessionNotVerified = errors.New("otp session not verified")
	ErrSessionWrongScope  = errors.New("otp session scope mismatch")
	ErrCodeUnavailable    = errors.New("otp code no longer available")
	ErrAttemptsExhausted  = errors.New("otp attempts exhausted")
)

// All repository interfaces in one file
type (
	ProviderRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Provider, error)
	}

	AvailabilityRepository interface {
		GetTemplate(ctx context.Context, providerID uuid.UUID) ([]model.TemplateSlot, error)
		ListOverrides(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]model.LeaveOverride, error)
	}

	BookingRepository interface {
		// CreateIfSlotFree expires stale pending holders of the slot and inserts
		// the booking atomically, returning ErrSlotTaken when a live booking
		// remains.
		CreateIfSlotFree(ctx context.Context, booking *model.Booking, event *model.OutboxEvent) error
		Get(ctx context.Context, id uuid.UUID) (*model.Booking, error)
		ListActiveInRange(ctx context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error)
		// Transition applies t and returns the updated booking, or
		// ErrStaleTransition when the booking is not in one of t.From.
		Transition(ctx context.Context, t model.BookingTransition) (*model.Booking, error)
		ExpireStale(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error)
	}

	PaymentRepository interface {
		CreateOrder(ctx context.Context, order *model.PaymentOrder) error
		GetOrder(ctx context.Context, orderID string) (*model.PaymentOrder, error)
		GetActiveOrder(ctx context.Context, bookingID uuid.UUID) (*model.PaymentOrder, error)
		UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID *string) error
		// RecordWebhookEvent inserts into the replay ledger, returning
		// ErrDuplicate when the key was already processed.
		RecordWebhookEvent(ctx context.Context, key, kind string) error
		DeleteWebhookEvent(ctx context.Context, key string) error
	}

	NotificationRepository interface {
		HasSent(ctx context.Context, bookingID uuid.UUID, event model.BookingEvent, channel model.NotificationChannel) (bool, error)
		Record(ctx context.Context, rec *model.NotificationRecord) error
	}

	OutboxRepository interface {
		GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		MarkProcessed(ctx context.Context, id uuid.UUID) error
		MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	OTPRepository interface {
		// Create stores the session and its one-shot plaintext code. The
		// record outlives ExpiresAt by a grace period so expiry stays
		// distinguishable from an unknown id.
		Create(ctx context.Context, session *model.OTPSession, code string) error
		Get(ctx context.Context, id string) (*model.OTPSession, error)
		TakeCode(ctx context.Context, id string) (string, error)
		// ReserveAttempt atomically counts one code comparison and returns
		// the new count, or ErrAttemptsExhausted once max are in use.
		ReserveAttempt(ctx context.Context, id string, max int) (int, error)
		// MarkVerified sets verified and clears the attempt counter.
		MarkVerified(ctx context.Context, id string) error
		MarkUsed(ctx context.Context, id string, scope model.OTPScope, consumer string) error
		Delete(ctx context.Context, id string) error
	}
)
