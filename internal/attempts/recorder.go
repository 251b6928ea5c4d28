// Package attempts keeps the durable log of fetch attempts and the
// per-series crawl state derived from it.
package attempts

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/engine"
)

// Crawl status values surfaced on SeriesCrawlState.
const (
	StatusHealthy   = "healthy"
	StatusDegrading = "degrading"
	StatusChronic   = "chronically_failing"
)

// Store persists attempts and series state. AppendAttempt is append-only
// and must deduplicate on the natural key (JobID, AttemptedAt), returning
// false for a replayed row.
type Store interface {
	AppendAttempt(ctx context.Context, attempt engine.CrawlAttempt) (bool, error)
	GetState(ctx context.Context, seriesID string) (engine.SeriesCrawlState, bool, error)
	PutState(ctx context.Context, state engine.SeriesCrawlState) error
	ListAttempts(ctx context.Context, seriesID string, limit int) ([]engine.CrawlAttempt, error)
	ListStates(ctx context.Context) ([]engine.SeriesCrawlState, error)
}

// Recorder folds attempt outcomes into SeriesCrawlState. The queue grants
// at most one lease per series, so a series' state is only ever written by
// one worker at a time.
type Recorder struct {
	store           Store
	clock           engine.Clock
	chronicFailures int
	logger          *zap.Logger
}

// NewRecorder constructs a Recorder. chronicFailures is the consecutive
// failure count at which a series is reported chronically failing.
func NewRecorder(store Store, clock engine.Clock, chronicFailures int, logger *zap.Logger) *Recorder {
	if chronicFailures <= 0 {
		chronicFailures = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, clock: clock, chronicFailures: chronicFailures, logger: logger}
}

// Record appends the attempt and updates the series cursor. Replays of the
// same attempt (same job id and attempted-at) are no-ops, which makes the
// call safe to retry.
func (r *Recorder) Record(ctx context.Context, attempt engine.CrawlAttempt) error {
	inserted, err := r.store.AppendAttempt(ctx, attempt)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	if !inserted {
		r.logger.Debug("duplicate attempt record ignored",
			zap.String("job_id", attempt.JobID),
			zap.Time("attempted_at", attempt.AttemptedAt),
		)
		return nil
	}

	seriesID := attempt.SeriesKey()
	state, found, err := r.store.GetState(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("load series state: %w", err)
	}
	if !found {
		state = engine.SeriesCrawlState{
			SeriesID:          seriesID,
			Source:            attempt.Source,
			ExternalID:        attempt.ExternalID,
			FirstDiscoveredAt: attempt.AttemptedAt,
		}
	}

	now := r.clock.Now()
	state.LastCrawledAt = &now
	switch attempt.Outcome {
	case engine.AttemptSucceeded:
		state.LastSuccessAt = &now
		state.ConsecutiveFailures = 0
		if state.FirstMissingDate == nil && attempt.MissingDate != nil {
			missing := *attempt.MissingDate
			state.FirstMissingDate = &missing
		}
	case engine.AttemptFailed:
		state.ConsecutiveFailures++
	}
	state.CrawlStatus = r.status(state.ConsecutiveFailures)

	if err := r.store.PutState(ctx, state); err != nil {
		return fmt.Errorf("save series state: %w", err)
	}
	return nil
}

func (r *Recorder) status(failures int) string {
	switch {
	case failures == 0:
		return StatusHealthy
	case failures < r.chronicFailures:
		return StatusDegrading
	default:
		return StatusChronic
	}
}
