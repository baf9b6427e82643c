package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/booking-api/pkg/logger"
)

// Expirer cancels pending reservations whose hold has lapsed.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// ExpirySweeper releases held slots on a fixed interval. Each tick drains
// full batches so a backlog clears in one pass.
type ExpirySweeper struct {
	bookings  Expirer
	batchSize int
	interval  time.Duration
	logger    *logger.Logger
}

func NewExpirySweeper(bookings Expirer, batchSize int, interval time.Duration, logger *logger.Logger) *ExpirySweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ExpirySweeper{
		bookings:  bookings,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
	}
}

func (w *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Starting expiry sweeper", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error(err, "Failed to expire stale bookings")
			}
		}
	}
}

// Sweep expires batches until one comes back short.
func (w *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.bookings.ExpireStale(ctx, w.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		w.logger.Info("Expired stale bookings", "count", total)
	}
	return total, nil
}
