// Package repotest provides in-memory repository implementations for service
// tests. They honour the same uniqueness and conditional-update contracts as
// the postgres repositories.
package repotest

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

type Providers struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*model.Provider
}

func NewProviders(providers ...*model.Provider) *Providers {
	p := &Providers{byID: map[uuid.UUID]*model.Provider{}}
	for _, pr := range providers {
		p.byID[pr.ID] = pr
	}
	return p
}

func (p *Providers) Get(_ context.Context, id uuid.UUID) (*model.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

type Availability struct {
	Slots     []model.TemplateSlot
	Overrides []model.LeaveOverride
}

func (a *Availability) GetTemplate(_ context.Context, providerID uuid.UUID) ([]model.TemplateSlot, error) {
	var out []model.TemplateSlot
	for _, s := range a.Slots {
		if s.ProviderID == providerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *Availability) ListOverrides(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]model.LeaveOverride, error) {
	var out []model.LeaveOverride
	for _, o := range a.Overrides {
		d := o.Date.Format(time.DateOnly)
		if o.ProviderID == providerID && d >= from.Format(time.DateOnly) && d <= to.Format(time.DateOnly) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Bookings is an in-memory BookingRepository. A single mutex makes
// CreateIfSlotFree atomic in the same way the partial unique index does.
type Bookings struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*model.Booking
	Events []*model.OutboxEvent
	// Err, when set, is returned by every call.
	Err error
}

func NewBookings() *Bookings {
	return &Bookings{byID: map[uuid.UUID]*model.Booking{}}
}

func (r *Bookings) CreateIfSlotFree(_ context.Context, b *model.Booking, event *model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, existing := range r.byID {
		if existing.ProviderID != b.ProviderID || !existing.SlotAt.Equal(b.SlotAt) {
			continue
		}
		if existing.Status == model.BookingStatusPending && existing.ExpiresAt != nil && !b.CreatedAt.Before(*existing.ExpiresAt) {
			existing.Status = model.BookingStatusCancelled
			reason := "expired"
			existing.CancelReason = &reason
			continue
		}
		if existing.Status != model.BookingStatusCancelled {
			return repository.ErrSlotTaken
		}
	}
	cp := *b
	cp.UpdatedAt = cp.CreatedAt
	r.byID[b.ID] = &cp
	if event != nil {
		r.Events = append(r.Events, event)
	}
	return nil
}

func (r *Bookings) Get(_ context.Context, id uuid.UUID) (*model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	b, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *Bookings) ListActiveInRange(_ context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []time.Time
	for _, b := range r.byID {
		if b.ProviderID == providerID && !b.SlotAt.Before(from) && b.SlotAt.Before(to) && b.IsLive(now) {
			out = append(out, b.SlotAt)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

func (r *Bookings) Transition(_ context.Context, t model.BookingTransition) (*model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	b, ok := r.byID[t.ID]
	if !ok || !slices.Contains(t.From, b.Status) || !b.IsLive(time.Now()) {
		return nil, repository.ErrStaleTransition
	}
	b.Status = t.To
	if t.OTPSessionID != nil {
		b.OTPSessionID = t.OTPSessionID
	}
	if t.PaymentID != nil {
		b.PaymentID = t.PaymentID
	}
	if t.CancelReason != nil {
		b.CancelReason = t.CancelReason
	}
	b.ExpiresAt = nil
	b.UpdatedAt = time.Now()
	if t.Event != nil {
		r.Events = append(r.Events, t.Event)
	}
	cp := *b
	return &cp, nil
}

func (r *Bookings) ExpireStale(_ context.Context, now time.Time, limit int) ([]*model.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []*model.Booking
	for _, b := range r.byID {
		if len(out) >= limit {
			break
		}
		if b.Status == model.BookingStatusPending && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
			b.Status = model.BookingStatusCancelled
			reason := "expired"
			b.CancelReason = &reason
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Put stores b as-is, bypassing the slot check.
func (r *Bookings) Put(b *model.Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.byID[b.ID] = &cp
}

// EventTypes lists recorded outbox event types in order.
func (r *Bookings) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.EventType
	}
	return out
}

type Payments struct {
	mu     sync.Mutex
	orders map[string]*model.PaymentOrder
	ledger map[string]string
}

func NewPayments() *Payments {
	return &Payments{orders: map[string]*model.PaymentOrder{}, ledger: map[string]string{}}
}

func (p *Payments) CreateOrder(_ context.Context, o *model.PaymentOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.orders {
		if existing.BookingID == o.BookingID && existing.Status == model.PaymentOrderCreated && o.Status == model.PaymentOrderCreated {
			return repository.ErrDuplicate
		}
	}
	if _, ok := p.orders[o.OrderID]; ok {
		return repository.ErrDuplicate
	}
	cp := *o
	p.orders[o.OrderID] = &cp
	return nil
}

func (p *Payments) GetOrder(_ context.Context, orderID string) (*model.PaymentOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (p *Payments) GetActiveOrder(_ context.Context, bookingID uuid.UUID) (*model.PaymentOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.BookingID == bookingID && o.Status == model.PaymentOrderCreated {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (p *Payments) UpdateOrderStatus(_ context.Context, orderID string, status model.PaymentOrderStatus, paymentID *string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return repository.ErrNotFound
	}
	o.Status = status
	if paymentID != nil {
		o.PaymentID = paymentID
	}
	return nil
}

func (p *Payments) RecordWebhookEvent(_ context.Context, key, kind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.ledger[key]; ok {
		return repository.ErrDuplicate
	}
	p.ledger[key] = kind
	return nil
}

func (p *Payments) DeleteWebhookEvent(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ledger, key)
	return nil
}

type notificationKey struct {
	booking uuid.UUID
	event   model.BookingEvent
	channel model.NotificationChannel
}

type Notifications struct {
	mu      sync.Mutex
	records map[notificationKey]model.NotificationRecord
}

func NewNotifications() *Notifications {
	return &Notifications{records: map[notificationKey]model.NotificationRecord{}}
}

func (n *Notifications) HasSent(_ context.Context, bookingID uuid.UUID, event model.BookingEvent, channel model.NotificationChannel) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rec, ok := n.records[notificationKey{bookingID, event, channel}]
	return ok && rec.Status == model.NotificationStatusSent, nil
}

func (n *Notifications) Record(_ context.Context, rec *model.NotificationRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := notificationKey{rec.BookingID, rec.Event, rec.Channel}
	if existing, ok := n.records[key]; ok && existing.Status == model.NotificationStatusSent {
		return nil
	}
	n.records[key] = *rec
	return nil
}

// Count returns how many records hold status for (booking, event).
func (n *Notifications) Count(bookingID uuid.UUID, event model.BookingEvent, status model.NotificationStatus) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for k, rec := range n.records {
		if k.booking == bookingID && k.event == event && rec.Status == status {
			c++
		}
	}
	return c
}
