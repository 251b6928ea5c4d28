package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/attempts"
	"github.com/econgraph/seriesd/internal/engine"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func successAttempt(jobID string, at time.Time) engine.CrawlAttempt {
	return engine.CrawlAttempt{
		ID:              "att-" + jobID,
		JobID:           jobID,
		Source:          "fred",
		ExternalID:      "GDP",
		AttemptedAt:     at,
		CompletedAt:     at.Add(time.Second),
		Outcome:         engine.AttemptSucceeded,
		NewObservations: 3,
	}
}

func failureAttempt(jobID string, at time.Time) engine.CrawlAttempt {
	a := successAttempt(jobID, at)
	a.Outcome = engine.AttemptFailed
	a.ErrorKind = engine.ErrorKindNetwork
	a.NewObservations = 0
	return a
}

func TestRecord_SuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	store := NewStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := attempts.NewRecorder(store, clock, 5, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, rec.Record(ctx, failureAttempt("j1", clock.Now())))
	clock.Advance(time.Minute)
	require.NoError(t, rec.Record(ctx, failureAttempt("j2", clock.Now())))

	state, found, err := store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, state.ConsecutiveFailures)
	require.Equal(t, attempts.StatusDegrading, state.CrawlStatus)
	require.Nil(t, state.LastSuccessAt)

	clock.Advance(time.Minute)
	require.NoError(t, rec.Record(ctx, successAttempt("j3", clock.Now())))

	state, _, err = store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.Zero(t, state.ConsecutiveFailures)
	require.Equal(t, attempts.StatusHealthy, state.CrawlStatus)
	require.NotNil(t, state.LastSuccessAt)
	require.Equal(t, clock.Now(), *state.LastCrawledAt)
}

func TestRecord_ChronicThreshold(t *testing.T) {
	t.Parallel()

	store := NewStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := attempts.NewRecorder(store, clock, 3, zap.NewNop())
	ctx := context.Background()

	for i, jobID := range []string{"j1", "j2", "j3"} {
		require.NoError(t, rec.Record(ctx, failureAttempt(jobID, clock.Now().Add(time.Duration(i)*time.Minute))))
	}

	state, _, err := store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.Equal(t, 3, state.ConsecutiveFailures)
	require.Equal(t, attempts.StatusChronic, state.CrawlStatus)
}

func TestRecord_ReplayedAttemptIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := attempts.NewRecorder(store, clock, 5, zap.NewNop())
	ctx := context.Background()

	attempt := failureAttempt("j1", clock.Now())
	require.NoError(t, rec.Record(ctx, attempt))
	require.NoError(t, rec.Record(ctx, attempt))
	require.NoError(t, rec.Record(ctx, attempt))

	state, _, err := store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.Equal(t, 1, state.ConsecutiveFailures, "replays must not inflate the failure streak")

	rows, err := store.ListAttempts(ctx, "fred/GDP", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRecord_FirstMissingDateSetOnce(t *testing.T) {
	t.Parallel()

	store := NewStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := attempts.NewRecorder(store, clock, 5, zap.NewNop())
	ctx := context.Background()

	missing := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	first := successAttempt("j1", clock.Now())
	first.MissingDate = &missing
	require.NoError(t, rec.Record(ctx, first))

	state, _, err := store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.NotNil(t, state.FirstMissingDate)
	require.Equal(t, missing, *state.FirstMissingDate)

	later := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	second := successAttempt("j2", clock.Now().Add(time.Hour))
	second.MissingDate = &later
	require.NoError(t, rec.Record(ctx, second))

	state, _, err = store.GetState(ctx, "fred/GDP")
	require.NoError(t, err)
	require.Equal(t, missing, *state.FirstMissingDate, "first missing date is sticky")
}

func TestListAttempts_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, jobID := range []string{"j1", "j2", "j3"} {
		_, err := store.AppendAttempt(ctx, successAttempt(jobID, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	rows, err := store.ListAttempts(ctx, "fred/GDP", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "j3", rows[0].JobID)
	require.Equal(t, "j2", rows[1].JobID)
}
