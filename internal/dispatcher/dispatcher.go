// Package dispatcher manages worker fan-out over the job queue, the lease
// reaper, and the rescheduling sweep.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/econgraph/seriesd/internal/metrics"
	"github.com/econgraph/seriesd/internal/queue"
	"github.com/econgraph/seriesd/internal/scheduler"
	"github.com/econgraph/seriesd/internal/worker"
)

// Config controls dispatcher behavior.
type Config struct {
	// ReapInterval is how often expired leases are swept back into the
	// pool. Half the lease duration is a sensible choice.
	ReapInterval time.Duration
}

// Dispatcher runs the worker pool alongside the reaper and the sweeper and
// shuts them down together.
type Dispatcher struct {
	manager      queue.Manager
	workers      []*worker.Worker
	sweeper      *scheduler.Sweeper
	logger       *zap.Logger
	reapInterval time.Duration
}

// New creates a Dispatcher. sweeper may be nil when rescheduling is handled
// elsewhere.
func New(manager queue.Manager, workers []*worker.Worker, sweeper *scheduler.Sweeper, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		manager:      manager,
		workers:      workers,
		sweeper:      sweeper,
		logger:       logger,
		reapInterval: cfg.ReapInterval,
	}
}

// Run starts everything and blocks until the context finishes or a
// component fails. A clean context cancellation is not an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, w := range d.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	if d.sweeper != nil {
		g.Go(func() error { return d.sweeper.Run(ctx) })
	}
	g.Go(func() error { return d.reapLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reaped, err := d.manager.ReapExpiredLeases(ctx)
			if err != nil {
				d.logger.Error("lease reap failed", zap.Error(err))
				continue
			}
			if reaped > 0 {
				metrics.ObserveLeaseReaps(reaped)
				d.logger.Warn("reaped expired leases", zap.Int("count", reaped))
			}
		}
	}
}
