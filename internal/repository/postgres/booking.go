package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

const bookingColumns = `id, provider_id, slot_at, status, guardian_name, patient_name, phone, email,
	otp_session_id, payment_id, cancel_reason, amount, currency, expires_at, created_at, updated_at`

type bookingRepository struct {
	BaseRepository
}

func NewBookingRepository(base BaseRepository) repository.BookingRepository {
	return &bookingRepository{base}
}

func (r *bookingRepository) CreateIfSlotFree(ctx context.Context, b *model.Booking, event *model.OutboxEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Release the slot from a pending holder that outlived its TTL.
		expire := `
			UPDATE bookings
			SET status = 'cancelled', cancel_reason = 'expired', updated_at = NOW()
			WHERE provider_id = $1 AND slot_at = $2
			AND status = 'pending' AND expires_at <= $3
		`
		if _, err := tx.ExecContext(ctx, expire, b.ProviderID, b.SlotAt, b.CreatedAt); err != nil {
			return fmt.Errorf("failed to expire stale booking: %w", err)
		}

		insert := `
			INSERT INTO bookings (
				id, provider_id, slot_at, status, guardian_name, patient_name, phone, email,
				amount, currency, expires_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			ON CONFLICT (provider_id, slot_at) WHERE status <> 'cancelled' DO NOTHING
		`
		res, err := tx.ExecContext(ctx, insert,
			b.ID, b.ProviderID, b.SlotAt, b.Status,
			b.GuardianName, b.PatientName, b.Phone, b.Email,
			b.Amount, b.Currency, b.ExpiresAt, b.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create booking: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to create booking: %w", err)
		}
		if n == 0 {
			return repository.ErrSlotTaken
		}

		if event != nil {
			return insertOutbox(ctx, tx, event)
		}
		return nil
	})
}

func (r *bookingRepository) Get(ctx context.Context, id uuid.UUID) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	var b model.Booking
	if err := r.db.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

func (r *bookingRepository) ListActiveInRange(ctx context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error) {
	query := `
		SELECT slot_at FROM bookings
		WHERE provider_id = $1
		AND slot_at >= $2 AND slot_at < $3
		AND status <> 'cancelled'
		AND NOT (status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $4)
		ORDER BY slot_at
	`

	var slots []time.Time
	if err := r.db.SelectContext(ctx, &slots, query, providerID, from, to, now); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return slots, nil
}

func (r *bookingRepository) Transition(ctx context.Context, t model.BookingTransition) (*model.Booking, error) {
	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	var updated model.Booking
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE bookings
			SET status = $2,
				otp_session_id = COALESCE($3, otp_session_id),
				payment_id = COALESCE($4, payment_id),
				cancel_reason = COALESCE($5, cancel_reason),
				expires_at = NULL,
				updated_at = NOW()
			WHERE id = $1
			AND status = ANY($6)
			AND (status <> 'pending' OR expires_at IS NULL OR expires_at > NOW())
			RETURNING ` + bookingColumns

		err := tx.GetContext(ctx, &updated, query,
			t.ID, t.To, t.OTPSessionID, t.PaymentID, t.CancelReason, pq.Array(from))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrStaleTransition
			}
			return fmt.Errorf("failed to transition booking: %w", err)
		}

		if t.Event != nil {
			return insertOutbox(ctx, tx, t.Event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (r *bookingRepository) ExpireStale(ctx context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled', cancel_reason = 'expired', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM bookings
			WHERE status = 'pending' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + bookingColumns

	var expired []*model.Booking
	if err := r.db.SelectContext(ctx, &expired, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to expire stale bookings: %w", err)
	}
	return expired, nil
}
