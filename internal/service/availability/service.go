package availability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
	apperrors "github.com/jwalitptl/booking-api/pkg/errors"
	"github.com/jwalitptl/booking-api/pkg/metrics"
)

var (
	ErrInvalidRange     = apperrors.NewValidation("invalid_range", "end date must not be before start date")
	ErrRangeTooLong     = apperrors.NewValidation("range_too_long", "date range is too long")
	ErrProviderNotFound = apperrors.NewNotFound("provider", nil)
)

type Config struct {
	Location     *time.Location
	MaxRangeDays int
	CacheTTL     time.Duration
}

// Service loads the resolver inputs. Templates, overrides and providers are
// reference data and are cached; bookings are always read fresh.
type Service struct {
	providers    repository.ProviderRepository
	availability repository.AvailabilityRepository
	bookings     repository.BookingRepository
	cache        *cache.Cache
	cfg          Config
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewService(
	providers repository.ProviderRepository,
	availability repository.AvailabilityRepository,
	bookings repository.BookingRepository,
	cfg Config,
	m *metrics.Metrics,
) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = 62
	}
	// Zero means never expire in go-cache.
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &Service{
		providers:    providers,
		availability: availability,
		bookings:     bookings,
		cache:        cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		cfg:          cfg,
		metrics:      m,
		now:          time.Now,
	}
}

func (s *Service) Location() *time.Location {
	return s.cfg.Location
}

// FreeSlots returns the free future slots between the civil dates of start
// and end, inclusive.
func (s *Service) FreeSlots(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]time.Time, error) {
	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.SlotResolveDuration)
		defer timer.ObserveDuration()
	}

	first := s.civilDate(start)
	last := s.civilDate(end)
	if last.Before(first) {
		return nil, ErrInvalidRange
	}
	if last.Sub(first) > time.Duration(s.cfg.MaxRangeDays)*24*time.Hour {
		return nil, ErrRangeTooLong
	}

	if _, err := s.Provider(ctx, providerID); err != nil {
		return nil, err
	}
	template, err := s.template(ctx, providerID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.overrides(ctx, providerID, first, last)
	if err != nil {
		return nil, err
	}

	now := s.now()
	booked, err := s.bookings.ListActiveInRange(ctx, providerID, first, last.AddDate(0, 0, 1), now)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	seq := Resolve(ResolveInput{
		Template:  template,
		Overrides: overrides,
		Booked:    booked,
		Start:     first,
		End:       last,
		Location:  s.cfg.Location,
	})

	slots := []time.Time{}
	for slot := range seq {
		if slot.After(now) {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

// IsBookable reports whether slot is currently a free slot for the provider.
func (s *Service) IsBookable(ctx context.Context, providerID uuid.UUID, slot time.Time) (bool, error) {
	slot = slot.In(s.cfg.Location)
	free, err := s.FreeSlots(ctx, providerID, slot, slot)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(free, slot.Equal), nil
}

// Provider returns the provider, cached.
func (s *Service) Provider(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	key := "provider:" + id.String()
	if v, ok := s.cache.Get(key); ok {
		return v.(*model.Provider), nil
	}
	p, err := s.providers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}
	s.cache.SetDefault(key, p)
	return p, nil
}

func (s *Service) template(ctx context.Context, providerID uuid.UUID) (model.WeeklyTemplate, error) {
	key := "template:" + providerID.String()
	if v, ok := s.cache.Get(key); ok {
		return v.(model.WeeklyTemplate), nil
	}
	rows, err := s.availability.GetTemplate(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	tpl := BuildTemplate(rows)
	s.cache.SetDefault(key, tpl)
	return tpl, nil
}

func (s *Service) overrides(ctx context.Context, providerID uuid.UUID, first, last time.Time) ([]model.LeaveOverride, error) {
	key := fmt.Sprintf("overrides:%s:%s:%s", providerID, first.Format(time.DateOnly), last.Format(time.DateOnly))
	if v, ok := s.cache.Get(key); ok {
		return v.([]model.LeaveOverride), nil
	}
	overrides, err := s.availability.ListOverrides(ctx, providerID, first, last)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	s.cache.SetDefault(key, overrides)
	return overrides, nil
}

func (s *Service) civilDate(t time.Time) time.Time {
	y, m, d := t.In(s.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.cfg.Location)
}
