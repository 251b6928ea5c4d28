// Package queue defines the crawl work-queue contract. The queue is the
// single coordination point between concurrent fetch workers: claims are
// atomic, leases are time-bounded, and expired leases are reaped back into
// the pending pool.
package queue

import (
	"context"
	"time"

	"github.com/econgraph/seriesd/internal/engine"
)

// SourceLimiter gates claims by per-source quota. TryAcquire consumes one
// unit when it returns true; a false return must not consume anything.
type SourceLimiter interface {
	TryAcquire(source string) bool
}

// Manager owns all CrawlJob mutation. Implementations must make Claim a
// single atomic select-and-lock so two concurrent callers never receive
// the same job.
type Manager interface {
	// Enqueue inserts a pending job scheduled for immediate claim. Returns
	// engine.ErrDuplicateActiveJob when a non-terminal job already exists
	// for the (source, externalID) pair.
	Enqueue(ctx context.Context, source, externalID string, priority int) (engine.CrawlJob, error)

	// Claim leases the highest-priority, oldest eligible job to workerID.
	// Jobs whose source is at its quota ceiling are skipped, not removed.
	// Returns engine.ErrNoJobAvailable when nothing qualifies.
	Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (engine.CrawlJob, error)

	// Complete marks a leased job completed. Returns engine.ErrLeaseMismatch
	// unless workerID holds the current lease.
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail reports a failed execution. The job moves to retrying with a
	// backoff delay while attempts remain, otherwise to terminal failed.
	// The updated job is returned so callers can observe the transition.
	Fail(ctx context.Context, jobID, workerID string, jobErr engine.JobError) (engine.CrawlJob, error)

	// Cancel moves a non-terminal job to cancelled. Idempotent on terminal
	// jobs.
	Cancel(ctx context.Context, jobID string) error

	// ReapExpiredLeases returns every processing job with an expired lease
	// to pending (attempts remaining) or failed (exhausted), as if the
	// holder had called Fail with kind lease_expired. Returns the number
	// of jobs reaped.
	ReapExpiredLeases(ctx context.Context) (int, error)

	// Get fetches a job by id.
	Get(ctx context.Context, jobID string) (engine.CrawlJob, error)

	// Stats counts jobs by status for operational displays.
	Stats(ctx context.Context) (map[engine.JobStatus]int, error)
}
