package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

const orderColumns = `order_id, booking_id, amount, currency, status, payment_id, created_at, updated_at`

type paymentRepository struct {
	BaseRepository
}

func NewPaymentRepository(base BaseRepository) repository.PaymentRepository {
	return &paymentRepository{base}
}

func (r *paymentRepository) CreateOrder(ctx context.Context, o *model.PaymentOrder) error {
	query := `
		INSERT INTO payment_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query, o.OrderID, o.BookingID, o.Amount, o.Currency, o.Status, o.PaymentID)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create payment order: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetOrder(ctx context.Context, orderID string) (*model.PaymentOrder, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE order_id = $1`, orderID)
}

func (r *paymentRepository) GetActiveOrder(ctx context.Context, bookingID uuid.UUID) (*model.PaymentOrder, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE booking_id = $1 AND status = 'created'`, bookingID)
}

func (r *paymentRepository) getOne(ctx context.Context, query string, arg interface{}) (*model.PaymentOrder, error) {
	var o model.PaymentOrder
	if err := r.db.GetContext(ctx, &o, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return &o, nil
}

func (r *paymentRepository) UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID *string) error {
	query := `
		UPDATE payment_orders
		SET status = $2, payment_id = COALESCE($3, payment_id), updated_at = NOW()
		WHERE order_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, orderID, status, paymentID)
	if err != nil {
		return fmt.Errorf("failed to update payment order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *paymentRepository) RecordWebhookEvent(ctx context.Context, key, kind string) error {
	query := `
		INSERT INTO processed_webhook_events (event_key, kind, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_key) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, key, kind)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if n == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

func (r *paymentRepository) DeleteWebhookEvent(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM processed_webhook_events WHERE event_key = $1`, key); err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}
