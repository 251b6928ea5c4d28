package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/queue"
	"github.com/econgraph/seriesd/internal/sources"
)

// StateLister exposes the per-series crawl cursors the sweeper reads.
type StateLister interface {
	ListStates(ctx context.Context) ([]engine.SeriesCrawlState, error)
}

// SourceCatalog is the registry view the sweeper needs.
type SourceCatalog interface {
	Get(id string) (sources.Source, bool)
}

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	Interval time.Duration
	Priority int
}

// Sweeper periodically enqueues a fresh job for every tracked series whose
// next due time has passed. Duplicate-active rejections from the queue are
// expected and treated as no-ops.
type Sweeper struct {
	manager  queue.Manager
	states   StateLister
	catalog  SourceCatalog
	strategy Strategy
	clock    engine.Clock
	logger   *zap.Logger
	interval time.Duration
	priority int
}

// NewSweeper constructs a Sweeper.
func NewSweeper(manager queue.Manager, states StateLister, catalog SourceCatalog, strategy Strategy, clock engine.Clock, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		manager:  manager,
		states:   states,
		catalog:  catalog,
		strategy: strategy,
		clock:    clock,
		logger:   logger,
		interval: cfg.Interval,
		priority: cfg.Priority,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			enqueued, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if enqueued > 0 {
				s.logger.Info("sweep enqueued due series", zap.Int("count", enqueued))
			}
		}
	}
}

// Sweep runs one pass and returns how many jobs it enqueued. Series for
// disabled or unknown sources are skipped; their in-flight jobs still finish
// through the queue.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	states, err := s.states.ListStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list series states: %w", err)
	}

	now := s.clock.Now()
	enqueued := 0
	for _, state := range states {
		src, ok := s.catalog.Get(state.Source)
		if !ok || !src.Enabled {
			continue
		}
		if s.strategy.NextDue(state, src.CrawlFrequency).After(now) {
			continue
		}

		_, err := s.manager.Enqueue(ctx, state.Source, state.ExternalID, s.priority)
		if errors.Is(err, engine.ErrDuplicateActiveJob) {
			s.logger.Debug("series already queued", zap.String("series_id", state.SeriesID))
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", state.SeriesID, err)
		}
		enqueued++
		s.logger.Debug("series due for crawl",
			zap.String("series_id", state.SeriesID),
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
		)
	}
	return enqueued, nil
}
