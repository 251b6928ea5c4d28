package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/metrics"
	queuememory "github.com/econgraph/seriesd/internal/queue/memory"
	"github.com/econgraph/seriesd/internal/worker"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

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

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

type stubFetcher struct {
	fetch func(ctx context.Context, sourceID, externalID string) (engine.FetchResult, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, sourceID, externalID string) (engine.FetchResult, error) {
	return f.fetch(ctx, sourceID, externalID)
}

func TestDispatcher_WorkersDrainQueueAndStopOnCancel(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager := queuememory.NewManager(nil, clock, &seqIDGen{}, queuememory.Config{})
	fetcher := &stubFetcher{fetch: func(context.Context, string, string) (engine.FetchResult, error) {
		return engine.FetchResult{StatusCode: 200}, nil
	}}

	workers := make([]*worker.Worker, 3)
	for i := range workers {
		workers[i] = worker.New(fmt.Sprintf("w%d", i), manager, fetcher, nil, nil, nil,
			clock, &seqIDGen{}, worker.Config{
				LeaseDuration: time.Minute,
				IdleSleep:     5 * time.Millisecond,
			}, nil)
	}
	d := New(manager, workers, nil, nil, Config{ReapInterval: time.Hour})

	jobIDs := make([]string, 0, 5)
	for i := range 5 {
		job, err := manager.Enqueue(context.Background(), "fred", fmt.Sprintf("S%d", i), 5)
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			job, err := manager.Get(context.Background(), id)
			if err != nil || job.Status != engine.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "clean cancellation is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcher_ReapLoopRecoversExpiredLeases(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager := queuememory.NewManager(nil, clock, &seqIDGen{}, queuememory.Config{})

	job, err := manager.Enqueue(context.Background(), "fred", "GDP", 5)
	require.NoError(t, err)
	_, err = manager.Claim(context.Background(), "crashed-worker", time.Minute)
	require.NoError(t, err)

	// The holder never reports back; its lease expires.
	clock.Advance(2 * time.Minute)

	d := New(manager, nil, nil, nil, Config{ReapInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := manager.Get(context.Background(), job.ID)
		return err == nil && got.Status == engine.JobStatusPending
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}
