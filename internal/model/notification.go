package model

import (
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
	NotificationStatusSkipped NotificationStatus = "skipped"
)

// NotificationRecord is the "already notified" bookkeeping row, unique per
// (booking, event, channel).
type NotificationRecord struct {
	BookingID uuid.UUID           `db:"booking_id"`
	Event     BookingEvent        `db:"event"`
	Channel   NotificationChannel `db:"channel"`
	Status    NotificationStatus  `db:"status"`
	Error     *string             `db:"error"`
	CreatedAt time.Time           `db:"created_at"`
	UpdatedAt time.Time           `db:"updated_at"`
}

// ChannelOutcome is the per-channel result of a dispatch.
type ChannelOutcome struct {
	Channel NotificationChannel `json:"channel"`
	Status  NotificationStatus  `json:"status"`
	Reason  string              `json:"reason,omitempty"`
}

// ChatLinkMessage is published on the broker for the chat delivery worker.
type ChatLinkMessage struct {
	BookingID uuid.UUID    `json:"booking_id"`
	Event     BookingEvent `json:"event"`
	Phone     string       `json:"phone"`
	URL       string       `json:"url"`
}
