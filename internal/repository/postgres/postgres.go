package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/booking-api/internal/repository"
)

// Repositories bundles the postgres-backed stores.
type Repositories struct {
	Bookings      repository.BookingRepository
	Providers     repository.ProviderRepository
	Availability  repository.AvailabilityRepository
	Payments      repository.PaymentRepository
	Notifications repository.NotificationRepository
	Outbox        repository.OutboxRepository
}

func NewRepositories(db *sqlx.DB) *Repositories {
	base := NewBaseRepository(db)
	return &Repositories{
		Bookings:      NewBookingRepository(base),
		Providers:     NewProviderRepository(base),
		Availability:  NewAvailabilityRepository(base),
		Payments:      NewPaymentRepository(base),
		Notifications: NewNotificationRepository(base),
		Outbox:        NewOutboxRepository(base),
	}
}
