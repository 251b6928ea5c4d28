package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/observations"
)

func ptr(v float64) *float64 { return &v }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestUpsert_RevisionHistory(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	obsDate := day(2024, 1, 1)

	inserted, err := store.Upsert(ctx, engine.Observation{
		SeriesID:        "fred/UNRATE",
		ObservationDate: obsDate,
		Value:           ptr(3.7),
		RevisionDate:    day(2024, 2, 1),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Upsert(ctx, engine.Observation{
		SeriesID:        "fred/UNRATE",
		ObservationDate: obsDate,
		Value:           ptr(3.9),
		RevisionDate:    day(2024, 3, 1),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	latest, err := store.Latest(ctx, "fred/UNRATE", obsDate, nil)
	require.NoError(t, err)
	require.Equal(t, 3.9, *latest.Value)
	require.False(t, latest.IsOriginalRelease)

	history, err := store.History(ctx, "fred/UNRATE", obsDate)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 3.7, *history[0].Value)
	require.Equal(t, 3.9, *history[1].Value)
	require.True(t, history[0].IsOriginalRelease)
	require.False(t, history[1].IsOriginalRelease)
}

func TestUpsert_DuplicateRevisionIsNoOp(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	obs := engine.Observation{
		SeriesID:        "fred/UNRATE",
		ObservationDate: day(2024, 1, 1),
		Value:           ptr(3.7),
		RevisionDate:    day(2024, 2, 1),
	}

	inserted, err := store.Upsert(ctx, obs)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Upsert(ctx, obs)
	require.NoError(t, err)
	require.False(t, inserted)

	history, err := store.History(ctx, "fred/UNRATE", obs.ObservationDate)
	require.NoError(t, err)
	require.Len(t, history, 1, "idempotent re-fetch must not duplicate rows")
}

func TestUpsert_OriginalReleaseFlagNeverMoves(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	obsDate := day(2024, 1, 1)

	for i, rev := range []time.Time{day(2024, 2, 1), day(2024, 3, 1), day(2024, 4, 1)} {
		_, err := store.Upsert(ctx, engine.Observation{
			SeriesID:        "fred/GDP",
			ObservationDate: obsDate,
			Value:           ptr(float64(100 + i)),
			RevisionDate:    rev,
		})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "fred/GDP", obsDate)
	require.NoError(t, err)

	originals := 0
	var minRevision time.Time
	for i, obs := range history {
		if i == 0 || obs.RevisionDate.Before(minRevision) {
			minRevision = obs.RevisionDate
		}
		if obs.IsOriginalRelease {
			originals++
			require.Equal(t, day(2024, 2, 1), obs.RevisionDate)
		}
	}
	require.Equal(t, 1, originals)
	require.Equal(t, day(2024, 2, 1), minRevision)
}

func TestUpsert_NullValueRecordsExplicitNoData(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	inserted, err := store.Upsert(ctx, engine.Observation{
		SeriesID:        "fred/GDP",
		ObservationDate: day(2024, 1, 1),
		Value:           nil,
		RevisionDate:    day(2024, 2, 1),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	latest, err := store.Latest(ctx, "fred/GDP", day(2024, 1, 1), nil)
	require.NoError(t, err)
	require.Nil(t, latest.Value)
}

func TestLatest_AsOfSelectsRevision(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	obsDate := day(2024, 1, 1)

	for i, rev := range []time.Time{day(2024, 2, 1), day(2024, 3, 1)} {
		_, err := store.Upsert(ctx, engine.Observation{
			SeriesID:        "fred/UNRATE",
			ObservationDate: obsDate,
			Value:           ptr(3.7 + 0.2*float64(i)),
			RevisionDate:    rev,
		})
		require.NoError(t, err)
	}

	asOf := day(2024, 2, 15)
	got, err := store.Latest(ctx, "fred/UNRATE", obsDate, &asOf)
	require.NoError(t, err)
	require.Equal(t, 3.7, *got.Value)

	early := day(2024, 1, 15)
	_, err = store.Latest(ctx, "fred/UNRATE", obsDate, &early)
	require.ErrorIs(t, err, engine.ErrObservationNotFound)

	_, err = store.Latest(ctx, "fred/UNRATE", day(2030, 1, 1), nil)
	require.ErrorIs(t, err, engine.ErrObservationNotFound)
}

func TestUpsert_ConcurrentSameRevisionConverges(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	obs := engine.Observation{
		SeriesID:        "fred/GDP",
		ObservationDate: day(2024, 1, 1),
		Value:           ptr(100),
		RevisionDate:    day(2024, 2, 1),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	insertedCount := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := store.Upsert(ctx, obs)
			require.NoError(t, err)
			if inserted {
				mu.Lock()
				insertedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, insertedCount)
	history, err := store.History(ctx, "fred/GDP", obs.ObservationDate)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestUpsert_OutOfOrderRevisionsCommute(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	revisions := []time.Time{day(2024, 2, 1), day(2024, 3, 1), day(2024, 4, 1)}

	// Apply the same revisions in two different orders; history reads the
	// same either way.
	forward := NewStore()
	for i, rev := range revisions {
		_, err := forward.Upsert(ctx, engine.Observation{
			SeriesID: "s", ObservationDate: day(2024, 1, 1), Value: ptr(float64(i)), RevisionDate: rev,
		})
		require.NoError(t, err)
	}
	backward := NewStore()
	for i := len(revisions) - 1; i >= 0; i-- {
		_, err := backward.Upsert(ctx, engine.Observation{
			SeriesID: "s", ObservationDate: day(2024, 1, 1), Value: ptr(float64(i)), RevisionDate: revisions[i],
		})
		require.NoError(t, err)
	}

	fh, err := forward.History(ctx, "s", day(2024, 1, 1))
	require.NoError(t, err)
	bh, err := backward.History(ctx, "s", day(2024, 1, 1))
	require.NoError(t, err)

	require.Len(t, bh, len(fh))
	for i := range fh {
		require.Equal(t, fh[i].RevisionDate, bh[i].RevisionDate)
		require.Equal(t, *fh[i].Value, *bh[i].Value)
	}
}

func TestIterHistory_RestartableSequence(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	for i := range 5 {
		_, err := store.Upsert(ctx, engine.Observation{
			SeriesID:        "fred/GDP",
			ObservationDate: day(2024, 1, 1),
			Value:           ptr(float64(i)),
			RevisionDate:    day(2024, 2, 1+i),
		})
		require.NoError(t, err)
	}

	seq := observations.IterHistory(ctx, store, "fred/GDP", day(2024, 1, 1))

	// Stop early.
	var partial []string
	for obs, err := range seq {
		require.NoError(t, err)
		partial = append(partial, fmt.Sprintf("%.0f", *obs.Value))
		if len(partial) == 2 {
			break
		}
	}
	require.Equal(t, []string{"0", "1"}, partial)

	// Restart from the beginning.
	var full []string
	for obs, err := range seq {
		require.NoError(t, err)
		full = append(full, fmt.Sprintf("%.0f", *obs.Value))
	}
	require.Equal(t, []string{"0", "1", "2", "3", "4"}, full)
}
