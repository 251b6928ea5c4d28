// Package sources holds the engine's read-only view of the configured data
// sources. The catalog itself lives outside the engine; this registry is a
// snapshot that can be replaced wholesale when the catalog changes.
package sources

import (
	"sort"
	"sync"
	"time"
)

// Source describes one external data provider as the engine sees it.
type Source struct {
	ID                 string
	RateLimitPerMinute int
	CrawlFrequency     time.Duration
	Enabled            bool
}

// LimitSink receives per-source rate budgets when a snapshot is applied.
type LimitSink interface {
	SetLimit(source string, perMinute int)
}

// Registry is a concurrency-safe snapshot of known sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	sink    LimitSink
}

// NewRegistry builds a registry from an initial snapshot.
func NewRegistry(sources []Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	r.Replace(sources)
	return r
}

// Replace swaps the snapshot. Sources absent from the new snapshot are
// forgotten and their rate budgets zeroed; in-flight jobs for them still
// complete through the queue. An attached limit sink receives the new
// snapshot's budgets.
func (r *Registry) Replace(sources []Source) {
	next := make(map[string]Source, len(sources))
	for _, s := range sources {
		next[s.ID] = s
	}

	r.mu.Lock()
	prev := r.sources
	sink := r.sink
	r.sources = next
	r.mu.Unlock()

	if sink == nil {
		return
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			sink.SetLimit(id, 0)
		}
	}
	r.pushLimits(sink)
}

// Get returns the source by id.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

// All returns every known source, ordered by id.
func (r *Registry) All() []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyLimits pushes each source's per-minute budget into the limiter and
// keeps the sink attached, so later Replace calls re-apply budgets. A
// disabled source gets a zero budget so no new fetches are granted for it.
func (r *Registry) ApplyLimits(sink LimitSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
	r.pushLimits(sink)
}

func (r *Registry) pushLimits(sink LimitSink) {
	for _, s := range r.All() {
		limit := s.RateLimitPerMinute
		if !s.Enabled {
			limit = 0
		}
		sink.SetLimit(s.ID, limit)
	}
}
