package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS availability_templates (
		provider_id UUID NOT NULL REFERENCES providers(id),
		weekday SMALLINT NOT NULL CHECK (weekday BETWEEN 1 AND 7),
		slot_label CHAR(5) NOT NULL CHECK (slot_label ~ '^(0[89]|1[0-9]|2[0-3]):00$'),
		PRIMARY KEY (provider_id, weekday, slot_label)
	)`,
	`CREATE TABLE IF NOT EXISTS leave_overrides (
		provider_id UUID NOT NULL REFERENCES providers(id),
		date DATE NOT NULL,
		full_day BOOLEAN NOT NULL DEFAULT FALSE,
		blocked_slots TEXT[] NOT NULL DEFAULT '{}',
		reason TEXT,
		PRIMARY KEY (provider_id, date),
		CHECK (full_day OR cardinality(blocked_slots) > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id UUID PRIMARY KEY,
		provider_id UUID NOT NULL REFERENCES providers(id),
		slot_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'verified', 'paid', 'cancelled')),
		guardian_name TEXT NOT NULL,
		patient_name TEXT NOT NULL,
		phone TEXT NOT NULL,
		email TEXT NOT NULL,
		otp_session_id TEXT,
		payment_id TEXT,
		cancel_reason TEXT,
		amount BIGINT NOT NULL,
		currency CHAR(3) NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_live_slot
		ON bookings (provider_id, slot_at) WHERE status <> 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_pending_expiry
		ON bookings (expires_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS payment_orders (
		order_id TEXT PRIMARY KEY,
		booking_id UUID NOT NULL REFERENCES bookings(id),
		amount BIGINT NOT NULL,
		currency CHAR(3) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('created', 'paid', 'failed')),
		payment_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_orders_active
		ON payment_orders (booking_id) WHERE status = 'created'`,
	`CREATE TABLE IF NOT EXISTS processed_webhook_events (
		event_key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_records (
		booking_id UUID NOT NULL REFERENCES bookings(id),
		event TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('sent', 'failed', 'skipped')),
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (booking_id, event, channel)
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		retry_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_events_status ON outbox_events (status, created_at)`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, q := range schema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
