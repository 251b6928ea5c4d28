// Package memory provides an in-process attempt store for development and
// testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/econgraph/seriesd/internal/engine"
)

type attemptKey struct {
	jobID       string
	attemptedAt int64
}

// Store is an in-memory attempts.Store implementation.
type Store struct {
	mu       sync.RWMutex
	attempts map[string][]engine.CrawlAttempt // series id -> append order
	seen     map[attemptKey]bool
	states   map[string]engine.SeriesCrawlState
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		attempts: make(map[string][]engine.CrawlAttempt),
		seen:     make(map[attemptKey]bool),
		states:   make(map[string]engine.SeriesCrawlState),
	}
}

// AppendAttempt records the attempt unless its natural key was seen before.
func (s *Store) AppendAttempt(_ context.Context, attempt engine.CrawlAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey{jobID: attempt.JobID, attemptedAt: attempt.AttemptedAt.UnixNano()}
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	seriesID := attempt.SeriesKey()
	s.attempts[seriesID] = append(s.attempts[seriesID], attempt)
	return true, nil
}

// GetState fetches the series cursor, reporting whether it exists.
func (s *Store) GetState(_ context.Context, seriesID string) (engine.SeriesCrawlState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[seriesID]
	return state, ok, nil
}

// PutState stores the series cursor.
func (s *Store) PutState(_ context.Context, state engine.SeriesCrawlState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SeriesID] = state
	return nil
}

// ListAttempts returns the most recent attempts for a series, newest first.
func (s *Store) ListAttempts(_ context.Context, seriesID string, limit int) ([]engine.CrawlAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.attempts[seriesID]
	out := make([]engine.CrawlAttempt, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttemptedAt.After(out[j].AttemptedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStates returns every tracked series cursor.
func (s *Store) ListStates(_ context.Context) ([]engine.SeriesCrawlState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]engine.SeriesCrawlState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SeriesID < out[j].SeriesID
	})
	return out, nil
}
