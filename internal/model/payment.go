package model

import (
	"time"

	"github.com/google/uuid"
)

type PaymentOrderStatus string

const (
	PaymentOrderCreated PaymentOrderStatus = "created"
	PaymentOrderPaid    PaymentOrderStatus = "paid"
	PaymentOrderFailed  PaymentOrderStatus = "failed"
)

// PaymentOrder is the local record of a gateway order. Amount is in minor
// currency units.
type PaymentOrder struct {
	OrderID   string             `db:"order_id" json:"order_id"`
	BookingID uuid.UUID          `db:"booking_id" json:"booking_id"`
	Amount    int64              `db:"amount" json:"amount"`
	Currency  string             `db:"currency" json:"currency"`
	Status    PaymentOrderStatus `db:"status" json:"status"`
	PaymentID *string            `db:"payment_id" json:"payment_id,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt time.Time          `db:"updated_at" json:"updated_at"`
}

type CreateOrderRequest struct {
	BookingID uuid.UUID `json:"booking_id" binding:"required"`
}

type ClientReturnRequest struct {
	OrderID   string `json:"razorpay_order_id" binding:"required"`
	PaymentID string `json:"razorpay_payment_id" binding:"required"`
	Signature string `json:"razorpay_signature" binding:"required"`
}

type WebhookEventKind string

const (
	WebhookPaymentCaptured WebhookEventKind = "payment.captured"
	WebhookOrderPaid       WebhookEventKind = "order.paid"
	WebhookPaymentFailed   WebhookEventKind = "payment.failed"
)

// ProcessedWebhookEvent is a replay ledger entry.
type ProcessedWebhookEvent struct {
	EventKey    string    `db:"event_key"`
	Kind        string    `db:"kind"`
	ProcessedAt time.Time `db:"processed_at"`
}
