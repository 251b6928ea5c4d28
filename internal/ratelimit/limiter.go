// Package ratelimit bounds outbound request rate per source. Each source
// gets a rolling one-minute window: a grant is admitted only if fewer than
// the configured budget succeeded in the previous sixty seconds, so the
// ceiling holds over any window, not just aligned ones.
package ratelimit

import (
	"sync"
	"time"

	"github.com/econgraph/seriesd/internal/engine"
)

const window = time.Minute

// Limiter tracks per-source request budgets.
type Limiter struct {
	mu            sync.Mutex
	sources       map[string]*sourceWindow
	limits        map[string]int
	defaultPerMin int
	clock         engine.Clock
}

type sourceWindow struct {
	grants []time.Time // ascending, pruned to the last window
}

// New creates a Limiter. Sources without an explicit limit fall back to
// defaultPerMinute; a non-positive default disables the unknown-source
// ceiling entirely.
func New(defaultPerMinute int, clock engine.Clock) *Limiter {
	return &Limiter{
		sources:       make(map[string]*sourceWindow),
		limits:        make(map[string]int),
		defaultPerMin: defaultPerMinute,
		clock:         clock,
	}
}

// SetLimit installs or replaces the per-minute budget for a source.
// Registry updates apply in place; already-granted requests are unaffected.
func (l *Limiter) SetLimit(source string, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[source] = perMinute
}

// TryAcquire consumes one unit of the source's budget if available. The
// check-and-consume runs under one lock section, so concurrent callers can
// never jointly exceed the ceiling.
func (l *Limiter) TryAcquire(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.limitLocked(source)
	if !limited {
		return true
	}
	if limit <= 0 {
		return false
	}

	now := l.clock.Now()
	w := l.windowLocked(source)
	w.prune(now)
	if len(w.grants) >= limit {
		return false
	}
	w.grants = append(w.grants, now)
	return true
}

// Refund returns the most recently consumed unit for the source. Callers
// whose claim fails after the grant use this so a storage error does not
// burn budget.
func (l *Limiter) Refund(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.sources[source]
	if !ok || len(w.grants) == 0 {
		return
	}
	w.grants = w.grants[:len(w.grants)-1]
}

// TimeUntilAvailable reports how long until the source has capacity again.
// Zero means a TryAcquire would succeed now.
func (l *Limiter) TimeUntilAvailable(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, limited := l.limitLocked(source)
	if !limited {
		return 0
	}
	if limit <= 0 {
		return window
	}

	now := l.clock.Now()
	w := l.windowLocked(source)
	w.prune(now)
	if len(w.grants) < limit {
		return 0
	}
	// Capacity frees when the oldest grant inside the budget ages out.
	oldest := w.grants[len(w.grants)-limit]
	return oldest.Add(window).Sub(now)
}

func (l *Limiter) limitLocked(source string) (int, bool) {
	if limit, ok := l.limits[source]; ok {
		return limit, true
	}
	if l.defaultPerMin > 0 {
		return l.defaultPerMin, true
	}
	return 0, false
}

func (l *Limiter) windowLocked(source string) *sourceWindow {
	w, ok := l.sources[source]
	if !ok {
		w = &sourceWindow{}
		l.sources[source] = w
	}
	return w
}

func (w *sourceWindow) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}
