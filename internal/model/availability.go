package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Provider struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	Email     string    `db:"email" json:"email,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TemplateSlot is one row of a provider's weekly template. Weekday follows
// ISO numbering: Monday is 1 and Sunday is 7.
type TemplateSlot struct {
	ProviderID uuid.UUID `db:"provider_id"`
	Weekday    int       `db:"weekday"`
	SlotLabel  string    `db:"slot_label"`
}

// WeeklyTemplate maps a weekday to its ordered slot labels.
type WeeklyTemplate map[time.Weekday][]string

// LeaveOverride is the single representation of a date-specific exception.
// Either FullDay is set or BlockedSlots lists the labels removed that day.
type LeaveOverride struct {
	ProviderID   uuid.UUID      `db:"provider_id" json:"provider_id"`
	Date         time.Time      `db:"date" json:"date"`
	FullDay      bool           `db:"full_day" json:"full_day"`
	BlockedSlots pq.StringArray `db:"blocked_slots" json:"blocked_slots,omitempty"`
	Reason       *string        `db:"reason" json:"reason,omitempty"`
}
