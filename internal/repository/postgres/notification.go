package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) HasSent(ctx context.Context, bookingID uuid.UUID, event model.BookingEvent, channel model.NotificationChannel) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM notification_records
			WHERE booking_id = $1 AND event = $2 AND channel = $3 AND status = 'sent'
		)
	`
	var sent bool
	if err := r.db.GetContext(ctx, &sent, query, bookingID, event, channel); err != nil {
		return false, fmt.Errorf("failed to check notification record: %w", err)
	}
	return sent, nil
}

// Record upserts the outcome. A sent record is never downgraded.
func (r *notificationRepository) Record(ctx context.Context, rec *model.NotificationRecord) error {
	query := `
		INSERT INTO notification_records (booking_id, event, channel, status, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (booking_id, event, channel) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = NOW()
		WHERE notification_records.status <> 'sent'
	`
	_, err := r.db.ExecContext(ctx, query, rec.BookingID, rec.Event, rec.Channel, rec.Status, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}
