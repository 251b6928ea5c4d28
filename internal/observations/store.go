// Package observations defines the bitemporal series store contract. Every
// revision of every value is preserved; nothing is ever overwritten.
package observations

import (
	"context"
	"iter"
	"time"

	"github.com/econgraph/seriesd/internal/engine"
)

// Store persists bitemporal observations.
type Store interface {
	// Upsert records one revision. A row already present for the same
	// (series, observation date, revision date) makes this an idempotent
	// no-op, reported as not inserted. The first revision ever stored for
	// a (series, observation date) is flagged as the original release;
	// the flag never moves afterwards.
	Upsert(ctx context.Context, obs engine.Observation) (bool, error)

	// Latest returns the revision with the greatest revision date at or
	// before asOf (nil means newest known). Returns
	// engine.ErrObservationNotFound when no revision qualifies.
	Latest(ctx context.Context, seriesID string, observationDate time.Time, asOf *time.Time) (engine.Observation, error)

	// History returns every revision for the observation date, ordered by
	// revision date ascending.
	History(ctx context.Context, seriesID string, observationDate time.Time) ([]engine.Observation, error)
}

// IterHistory exposes a revision history as a restartable sequence: each
// range re-reads the store, so the caller can stop early and resume later.
func IterHistory(ctx context.Context, s Store, seriesID string, observationDate time.Time) iter.Seq2[engine.Observation, error] {
	return func(yield func(engine.Observation, error) bool) {
		revisions, err := s.History(ctx, seriesID, observationDate)
		if err != nil {
			yield(engine.Observation{}, err)
			return
		}
		for _, obs := range revisions {
			if !yield(obs, nil) {
				return
			}
		}
	}
}

// DateKey normalizes an observation or revision date to UTC midnight so
// lookups are insensitive to the wall-clock component.
func DateKey(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
