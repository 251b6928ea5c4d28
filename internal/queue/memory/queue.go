// Package memory provides an in-process queue manager for development and
// testing. All operations run under one mutex, which makes every transition
// atomic with respect to concurrent callers.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/metrics"
)

// Config controls queue defaults.
type Config struct {
	MaxAttempts int
	Backoff     engine.BackoffPolicy
}

// Manager is an in-memory queue.Manager implementation.
type Manager struct {
	mu     sync.Mutex
	jobs   map[string]*engine.CrawlJob
	active map[string]string // series key -> non-terminal job id

	limiter interface{ TryAcquire(source string) bool }
	clock   engine.Clock
	idGen   engine.IDGenerator
	cfg     Config
}

// NewManager constructs a Manager.
func NewManager(
	limiter interface{ TryAcquire(source string) bool },
	clock engine.Clock,
	idGen engine.IDGenerator,
	cfg Config,
) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == (engine.BackoffPolicy{}) {
		cfg.Backoff = engine.DefaultBackoff()
	}
	return &Manager{
		jobs:    make(map[string]*engine.CrawlJob),
		active:  make(map[string]string),
		limiter: limiter,
		clock:   clock,
		idGen:   idGen,
		cfg:     cfg,
	}
}

// Enqueue inserts a pending job unless the series already has an active one.
func (m *Manager) Enqueue(_ context.Context, source, externalID string, priority int) (engine.CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := engine.SeriesKey(source, externalID)
	if _, exists := m.active[key]; exists {
		return engine.CrawlJob{}, engine.ErrDuplicateActiveJob
	}

	id, err := m.idGen.NewID()
	if err != nil {
		return engine.CrawlJob{}, err
	}
	now := m.clock.Now()
	job := engine.CrawlJob{
		ID:           id,
		Source:       source,
		ExternalID:   externalID,
		Priority:     priority,
		Status:       engine.JobStatusPending,
		MaxAttempts:  m.cfg.MaxAttempts,
		CreatedAt:    now,
		ScheduledFor: now,
	}
	m.jobs[id] = &job
	m.active[key] = id
	return job, nil
}

// Claim atomically leases the best eligible job to workerID.
func (m *Manager) Claim(_ context.Context, workerID string, leaseDuration time.Duration) (engine.CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	candidates := make([]*engine.CrawlJob, 0)
	for _, job := range m.jobs {
		if (job.Status == engine.JobStatusPending || job.Status == engine.JobStatusRetrying) &&
			!job.ScheduledFor.After(now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	// Sources found at their ceiling are skipped for the rest of this call;
	// the next claim may find capacity restored.
	blocked := make(map[string]bool)
	for _, job := range candidates {
		if blocked[job.Source] {
			continue
		}
		if m.limiter != nil && !m.limiter.TryAcquire(job.Source) {
			blocked[job.Source] = true
			metrics.ObserveRateLimitBlock(job.Source)
			continue
		}
		expires := now.Add(leaseDuration)
		job.Status = engine.JobStatusProcessing
		job.LeaseHolder = workerID
		job.LeaseExpiresAt = &expires
		job.AttemptCount++
		return *job, nil
	}
	return engine.CrawlJob{}, engine.ErrNoJobAvailable
}

// Complete marks a leased job completed.
func (m *Manager) Complete(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return engine.ErrJobNotFound
	}
	if job.Status != engine.JobStatusProcessing || job.LeaseHolder != workerID {
		return engine.ErrLeaseMismatch
	}
	job.Status = engine.JobStatusCompleted
	m.clearLease(job)
	delete(m.active, job.SeriesKey())
	return nil
}

// Fail reports a failed execution, retrying with backoff while attempts
// remain.
func (m *Manager) Fail(_ context.Context, jobID, workerID string, jobErr engine.JobError) (engine.CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return engine.CrawlJob{}, engine.ErrJobNotFound
	}
	if job.Status != engine.JobStatusProcessing || job.LeaseHolder != workerID {
		return engine.CrawlJob{}, engine.ErrLeaseMismatch
	}
	m.failLocked(job, jobErr)
	return *job, nil
}

// Cancel moves a non-terminal job to cancelled; terminal jobs are left as-is.
func (m *Manager) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return engine.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = engine.JobStatusCancelled
	m.clearLease(job)
	delete(m.active, job.SeriesKey())
	return nil
}

// ReapExpiredLeases recovers jobs whose holder disappeared without
// reporting an outcome.
func (m *Manager) ReapExpiredLeases(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	reaped := 0
	for _, job := range m.jobs {
		if job.Status != engine.JobStatusProcessing {
			continue
		}
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		m.failLocked(job, engine.JobError{
			Kind:    engine.ErrorKindLeaseExpired,
			Message: "lease expired before the worker reported an outcome",
		})
		reaped++
	}
	return reaped, nil
}

// Get fetches a job by id.
func (m *Manager) Get(_ context.Context, jobID string) (engine.CrawlJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return engine.CrawlJob{}, engine.ErrJobNotFound
	}
	return *job, nil
}

// Stats counts jobs by status.
func (m *Manager) Stats(_ context.Context) (map[engine.JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[engine.JobStatus]int)
	for _, job := range m.jobs {
		out[job.Status]++
	}
	return out, nil
}

// failLocked applies the retry-or-terminal-failure transition. Lease-expiry
// reaping flows through the same path so both behave identically.
func (m *Manager) failLocked(job *engine.CrawlJob, jobErr engine.JobError) {
	errCopy := jobErr
	job.LastError = &errCopy
	m.clearLease(job)
	if job.AttemptCount < job.MaxAttempts {
		if jobErr.Kind == engine.ErrorKindLeaseExpired {
			job.Status = engine.JobStatusPending
			job.ScheduledFor = m.clock.Now()
		} else {
			job.Status = engine.JobStatusRetrying
			job.ScheduledFor = m.clock.Now().Add(m.cfg.Backoff.Delay(jobErr.Kind, job.AttemptCount))
		}
		return
	}
	job.Status = engine.JobStatusFailed
	delete(m.active, job.SeriesKey())
}

func (m *Manager) clearLease(job *engine.CrawlJob) {
	job.LeaseHolder = ""
	job.LeaseExpiresAt = nil
}
