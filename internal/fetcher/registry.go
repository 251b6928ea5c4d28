// Package fetcher routes fetch calls to provider-specific clients. The
// clients themselves live outside the engine; they are registered per
// source id before the workers start.
package fetcher

import (
	"context"
	"sync"

	"github.com/econgraph/seriesd/internal/engine"
)

// Registry dispatches fetches by source id. It implements engine.Fetcher.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]engine.Fetcher
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]engine.Fetcher)}
}

// Register installs or replaces the fetcher for a source.
func (r *Registry) Register(sourceID string, f engine.Fetcher) {
	r.mu.Lock()
	r.fetchers[sourceID] = f
	r.mu.Unlock()
}

// Fetch routes to the source's registered client. An unregistered source is
// a permanent not-found failure, so its jobs exhaust quickly instead of
// retrying on the transient schedule.
func (r *Registry) Fetch(ctx context.Context, sourceID, externalID string) (engine.FetchResult, error) {
	r.mu.RLock()
	f, ok := r.fetchers[sourceID]
	r.mu.RUnlock()
	if !ok {
		return engine.FetchResult{}, engine.NewFetchError(engine.ErrorKindNotFound,
			"no fetcher registered for source %s", sourceID)
	}
	return f.Fetch(ctx, sourceID, externalID)
}
