package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/booking-api/internal/model"
	"github.com/jwalitptl/booking-api/internal/repository"
)

type availabilityRepository struct {
	BaseRepository
}

func NewAvailabilityRepository(base BaseRepository) repository.AvailabilityRepository {
	return &availabilityRepository{base}
}

func (r *availabilityRepository) GetTemplate(ctx context.Context, providerID uuid.UUID) ([]model.TemplateSlot, error) {
	query := `
		SELECT provider_id, weekday, slot_label
		FROM availability_templates
		WHERE provider_id = $1
		ORDER BY weekday, slot_label
	`

	var slots []model.TemplateSlot
	if err := r.db.SelectContext(ctx, &slots, query, providerID); err != nil {
		return nil, fmt.Errorf("failed to get availability template: %w", err)
	}
	return slots, nil
}

func (r *availabilityRepository) ListOverrides(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]model.LeaveOverride, error) {
	query := `
		SELECT provider_id, date, full_day, blocked_slots, reason
		FROM leave_overrides
		WHERE provider_id = $1 AND date BETWEEN $2::date AND $3::date
		ORDER BY date
	`

	var overrides []model.LeaveOverride
	err := r.db.SelectContext(ctx, &overrides, query, providerID,
		from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("failed to list leave overrides: %w", err)
	}
	return overrides, nil
}

type providerRepository struct {
	BaseRepository
}

func NewProviderRepository(base BaseRepository) repository.ProviderRepository {
	return &providerRepository{base}
}

func (r *providerRepository) Get(ctx context.Context, id uuid.UUID) (*model.Provider, error) {
	query := `SELECT id, name, phone, email, created_at, updated_at FROM providers WHERE id = $1`

	var p model.Provider
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}
