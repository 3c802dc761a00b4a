package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tesseralabs/tessera/internal/metrics"
)

// Sweeper periodically finds escrows past their release deadline and drives
// them through auto-release.
//
// The sweeper is stateless: the store is the schedule. Several instances
// may run concurrently; the version+status CAS in the store guarantees each
// escrow is released at most once, so losing a race is a normal outcome,
// not an error.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new auto-release sweeper.
func NewSweeper(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs a single pass. Exported so the internal auto-release endpoint
// and tests can trigger a sweep without waiting for a tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.service.now()

	due, err := s.store.ListDue(ctx, now, s.batch)
	if err != nil {
		s.logger.Warn("failed to list due escrows", "error", err)
		return
	}
	metrics.SweepDue.Set(float64(len(due)))

	for _, e := range due {
		_, err := s.service.AutoRelease(ctx, e.ID)
		switch {
		case err == nil:
			s.logger.Info("auto-released escrow",
				"escrowId", e.ID,
				"buyer", e.BuyerID,
				"seller", e.SellerID,
				"amount", e.Amount,
			)
		case errors.Is(err, ErrVersionConflict),
			errors.Is(err, ErrAlreadyResolved),
			errors.Is(err, ErrInvalidStateTransition):
			// Lost the race to a user action or another sweeper instance;
			// the escrow is settled either way.
			s.logger.Debug("skipping escrow, transitioned concurrently",
				"escrowId", e.ID, "reason", err)
		default:
			s.logger.Warn("failed to auto-release escrow",
				"escrowId", e.ID,
				"error", err,
			)
		}
	}
}
