package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_DoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := BackoffPolicy{
		BaseDelay:          time.Minute,
		PermanentBaseDelay: 10 * time.Second,
		MaxDelay:           8 * time.Minute,
	}

	for attempt := 1; attempt <= 6; attempt++ {
		raw := time.Duration(float64(time.Minute) * float64(int(1)<<(attempt-1)))
		if raw > 8*time.Minute {
			raw = 8 * time.Minute
		}
		d := p.Delay(ErrorKindNetwork, attempt)
		require.GreaterOrEqual(t, d, raw/2, "attempt %d below deterministic floor", attempt)
		require.Less(t, d, raw, "attempt %d above jitter ceiling", attempt)
	}
}

func TestBackoffDelay_PermanentKindsUseShorterBase(t *testing.T) {
	t.Parallel()

	p := DefaultBackoff()
	permanent := p.Delay(ErrorKindNotFound, 1)
	require.Less(t, permanent, p.BaseDelay, "permanent error backoff should undercut the transient base")
	require.GreaterOrEqual(t, permanent, p.PermanentBaseDelay/2)
}

func TestBackoffDelay_JitterVaries(t *testing.T) {
	t.Parallel()

	p := DefaultBackoff()
	seen := make(map[time.Duration]bool)
	for range 32 {
		seen[p.Delay(ErrorKindNetwork, 3)] = true
	}
	require.Greater(t, len(seen), 1, "expected jittered delays to differ")
}

func TestErrorKindTransient(t *testing.T) {
	t.Parallel()

	require.True(t, ErrorKindNetwork.Transient())
	require.True(t, ErrorKindRateLimited.Transient())
	require.True(t, ErrorKindLeaseExpired.Transient())
	require.False(t, ErrorKindNotFound.Transient())
	require.False(t, ErrorKindDataFormat.Transient())
	require.False(t, ErrorKindUnauthorized.Transient())
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key := SeriesKey("fred", "GDP")
	require.Equal(t, "fred/GDP", key)

	source, external, err := SplitSeriesKey(key)
	require.NoError(t, err)
	require.Equal(t, "fred", source)
	require.Equal(t, "GDP", external)

	_, _, err = SplitSeriesKey("nodelimiter")
	require.Error(t, err)
}
