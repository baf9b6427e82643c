package model

import (
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusVerified  BookingStatus = "verified"
	BookingStatusPaid      BookingStatus = "paid"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCancelled
}

// Contact is the patient contact bundle collected at reservation time.
type Contact struct {
	GuardianName string `db:"guardian_name" json:"guardian_name"`
	PatientName  string `db:"patient_name" json:"patient_name"`
	Phone        string `db:"phone" json:"phone"`
	Email        string `db:"email" json:"email"`
}

// Missing returns the json names of absent required fields.
func (c Contact) Missing() []string {
	var missing []string
	if c.GuardianName == "" {
		missing = append(missing, "guardian_name")
	}
	if c.PatientName == "" {
		missing = append(missing, "patient_name")
	}
	if c.Phone == "" {
		missing = append(missing, "phone")
	}
	if c.Email == "" {
		missing = append(missing, "email")
	}
	return missing
}

type Booking struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	ProviderID uuid.UUID     `db:"provider_id" json:"provider_id"`
	SlotAt     time.Time     `db:"slot_at" json:"slot_at"`
	Status     BookingStatus `db:"status" json:"status"`
	Contact
	OTPSessionID *string    `db:"otp_session_id" json:"-"`
	PaymentID    *string    `db:"payment_id" json:"payment_id,omitempty"`
	CancelReason *string    `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Amount       int64      `db:"amount" json:"amount"`
	Currency     string     `db:"currency" json:"currency"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// IsLive reports whether the booking still holds its slot at now. Pending
// bookings past their expiry no longer do.
func (b *Booking) IsLive(now time.Time) bool {
	if b.Status == BookingStatusCancelled {
		return false
	}
	if b.Status == BookingStatusPending && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return false
	}
	return true
}

type CreateBookingRequest struct {
	ProviderID   uuid.UUID `json:"provider_id" binding:"required"`
	SlotAt       time.Time `json:"slot_at" binding:"required"`
	GuardianName string    `json:"guardian_name" binding:"max=120"`
	PatientName  string    `json:"patient_name" binding:"max=120"`
	Phone        string    `json:"phone" binding:"omitempty,phone"`
	Email        string    `json:"email" binding:"omitempty,email"`
}

func (r *CreateBookingRequest) Contact() Contact {
	return Contact{
		GuardianName: r.GuardianName,
		PatientName:  r.PatientName,
		Phone:        r.Phone,
		Email:        r.Email,
	}
}

type VerifyBookingRequest struct {
	SessionID         string `json:"session_id"`
	VerificationToken string `json:"verification_token"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// BookingTransition is a conditional status change: it applies only while
// the booking is in one of From.
type BookingTransition struct {
	ID           uuid.UUID
	From         []BookingStatus
	To           BookingStatus
	OTPSessionID *string
	PaymentID    *string
	CancelReason *string
	Event        *OutboxEvent
}

// BookingEvent names the lifecycle events that trigger notifications.
type BookingEvent string

const (
	BookingEventConfirmation BookingEvent = "confirmation"
	BookingEventCancellation BookingEvent = "cancellation"
)
