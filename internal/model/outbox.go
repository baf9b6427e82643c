package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Outbox event types published by the booking lifecycle.
const (
	EventBookingCreated   = "booking.created"
	EventBookingVerified  = "booking.verified"
	EventBookingPaid      = "booking.paid"
	EventBookingCancelled = "booking.cancelled"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       string          `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// NewBookingEvent builds an outbox event carrying the booking snapshot.
func NewBookingEvent(eventType string, b *Booking) (*OutboxEvent, error) {
	payload, err := json.Marshal(struct {
		BookingID  uuid.UUID     `json:"booking_id"`
		ProviderID uuid.UUID     `json:"provider_id"`
		SlotAt     time.Time     `json:"slot_at"`
		Status     BookingStatus `json:"status"`
	}{b.ID, b.ProviderID, b.SlotAt, b.Status})
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		Status:    string(OutboxStatusPending),
	}, nil
}
