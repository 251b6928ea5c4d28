// Package scheduler decides when each series should next be crawled and
// periodically sweeps due series back into the queue.
package scheduler

import (
	"time"

	"github.com/econgraph/seriesd/internal/engine"
)

// Strategy computes the next due time for a series from its crawl state and
// its source's base cadence. Pluggable so the decay formula can evolve
// without touching queue mechanics.
type Strategy interface {
	NextDue(state engine.SeriesCrawlState, baseFrequency time.Duration) time.Time
}

// CadenceStrategy stretches a series' cadence as consecutive failures
// accumulate. Healthy series crawl at the base cadence, degrading series
// progressively less often, and chronically failing series drop to a
// long-tail cadence instead of being disabled, so recovery is still
// detected.
type CadenceStrategy struct {
	// DegradeThreshold is the consecutive failure count at which a series
	// moves from degrading to chronically failing.
	DegradeThreshold int

	// BackoffMultiplier stretches the cadence once per consecutive failure
	// while degrading.
	BackoffMultiplier float64

	// ChronicCadence is the fixed interval for chronically failing series.
	ChronicCadence time.Duration
}

// DefaultStrategy returns the stock cadence policy.
func DefaultStrategy() CadenceStrategy {
	return CadenceStrategy{
		DegradeThreshold:  5,
		BackoffMultiplier: 2.0,
		ChronicCadence:    24 * time.Hour,
	}
}

// NextDue implements Strategy. A series that has never been crawled is due
// immediately.
func (s CadenceStrategy) NextDue(state engine.SeriesCrawlState, baseFrequency time.Duration) time.Time {
	if state.LastCrawledAt == nil {
		return time.Time{}
	}
	last := *state.LastCrawledAt

	failures := state.ConsecutiveFailures
	if failures >= s.DegradeThreshold {
		return last.Add(s.ChronicCadence)
	}
	if failures == 0 {
		return last.Add(baseFrequency)
	}

	stretched := float64(baseFrequency)
	for range failures {
		stretched *= s.BackoffMultiplier
	}
	interval := time.Duration(stretched)
	if s.ChronicCadence > 0 && interval > s.ChronicCadence {
		interval = s.ChronicCadence
	}
	return last.Add(interval)
}
