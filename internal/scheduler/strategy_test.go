package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/econgraph/seriesd/internal/engine"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestNextDue_HealthySeriesUsesBaseCadence(t *testing.T) {
	t.Parallel()

	strategy := DefaultStrategy()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := engine.SeriesCrawlState{LastCrawledAt: timePtr(last)}

	due := strategy.NextDue(state, time.Hour)
	require.Equal(t, last.Add(time.Hour), due)
}

func TestNextDue_DegradingSeriesStretchesCadence(t *testing.T) {
	t.Parallel()

	strategy := DefaultStrategy()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	one := strategy.NextDue(engine.SeriesCrawlState{
		LastCrawledAt: timePtr(last), ConsecutiveFailures: 1,
	}, time.Hour)
	require.Equal(t, last.Add(2*time.Hour), one)

	three := strategy.NextDue(engine.SeriesCrawlState{
		LastCrawledAt: timePtr(last), ConsecutiveFailures: 3,
	}, time.Hour)
	require.Equal(t, last.Add(8*time.Hour), three)
}

func TestNextDue_DegradingCadenceCapsAtChronic(t *testing.T) {
	t.Parallel()

	strategy := DefaultStrategy()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	due := strategy.NextDue(engine.SeriesCrawlState{
		LastCrawledAt: timePtr(last), ConsecutiveFailures: 4,
	}, 6*time.Hour)
	require.Equal(t, last.Add(strategy.ChronicCadence), due)
}

func TestNextDue_ChronicSeriesUsesLongTailCadence(t *testing.T) {
	t.Parallel()

	strategy := DefaultStrategy()
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	due := strategy.NextDue(engine.SeriesCrawlState{
		LastCrawledAt: timePtr(last), ConsecutiveFailures: 9,
	}, time.Hour)
	require.Equal(t, last.Add(24*time.Hour), due)
}

func TestNextDue_NeverCrawledSeriesIsDueImmediately(t *testing.T) {
	t.Parallel()

	strategy := DefaultStrategy()
	due := strategy.NextDue(engine.SeriesCrawlState{}, time.Hour)
	require.True(t, due.IsZero())
}
