// Package memory provides an in-process observation store for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/observations"
)

type dateKey struct {
	seriesID string
	date     time.Time
}

// Store is an in-memory observations.Store implementation.
type Store struct {
	mu   sync.RWMutex
	rows map[dateKey][]engine.Observation // sorted by revision date ascending
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{rows: make(map[dateKey][]engine.Observation)}
}

// Upsert records one revision, idempotently.
func (s *Store) Upsert(_ context.Context, obs engine.Observation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs.ObservationDate = observations.DateKey(obs.ObservationDate)
	obs.RevisionDate = observations.DateKey(obs.RevisionDate)
	key := dateKey{seriesID: obs.SeriesID, date: obs.ObservationDate}

	revisions := s.rows[key]
	for _, existing := range revisions {
		if existing.RevisionDate.Equal(obs.RevisionDate) {
			return false, nil
		}
	}

	obs.IsOriginalRelease = len(revisions) == 0
	revisions = append(revisions, obs)
	sort.Slice(revisions, func(i, j int) bool {
		return revisions[i].RevisionDate.Before(revisions[j].RevisionDate)
	})
	s.rows[key] = revisions
	return true, nil
}

// Latest returns the newest revision at or before asOf.
func (s *Store) Latest(_ context.Context, seriesID string, observationDate time.Time, asOf *time.Time) (engine.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := dateKey{seriesID: seriesID, date: observations.DateKey(observationDate)}
	revisions := s.rows[key]
	for i := len(revisions) - 1; i >= 0; i-- {
		if asOf == nil || !revisions[i].RevisionDate.After(*asOf) {
			return revisions[i], nil
		}
	}
	return engine.Observation{}, engine.ErrObservationNotFound
}

// History returns all revisions ordered by revision date ascending.
func (s *Store) History(_ context.Context, seriesID string, observationDate time.Time) ([]engine.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := dateKey{seriesID: seriesID, date: observations.DateKey(observationDate)}
	revisions := s.rows[key]
	out := make([]engine.Observation, len(revisions))
	copy(out, revisions)
	return out, nil
}
