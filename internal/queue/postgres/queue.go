// Package postgres provides the Postgres-backed queue manager. Claim is a
// SELECT ... FOR UPDATE SKIP LOCKED inside one transaction, so concurrent
// workers on separate connections can never lease the same row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/metrics"
	"github.com/econgraph/seriesd/internal/queue"
)

// Schema is the DDL for the crawl_jobs table. The partial unique index is
// what enforces the one-active-job-per-series invariant.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id UUID PRIMARY KEY,
	source VARCHAR(50) NOT NULL,
	external_id VARCHAR(255) NOT NULL,
	priority INT NOT NULL DEFAULT 5,
	status VARCHAR(50) NOT NULL DEFAULT 'pending',
	attempt_count INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 3,
	created_at TIMESTAMPTZ NOT NULL,
	scheduled_for TIMESTAMPTZ NOT NULL,
	lease_holder VARCHAR(100),
	lease_expires_at TIMESTAMPTZ,
	last_error_kind VARCHAR(50),
	last_error_message TEXT,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK ((lease_holder IS NULL) = (lease_expires_at IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS crawl_jobs_active_series
	ON crawl_jobs (source, external_id)
	WHERE status IN ('pending', 'processing', 'retrying');
CREATE INDEX IF NOT EXISTS crawl_jobs_claim_order
	ON crawl_jobs (priority DESC, created_at ASC)
	WHERE status IN ('pending', 'retrying');
`

const jobColumns = `id, source, external_id, priority, status, attempt_count, max_attempts,
	created_at, scheduled_for, lease_holder, lease_expires_at, last_error_kind, last_error_message`

// DB is the subset of pgxpool.Pool the manager needs; pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the connection pool and queue defaults.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxAttempts     int
	Backoff         engine.BackoffPolicy
}

// Manager is a Postgres queue.Manager implementation.
type Manager struct {
	db      DB
	limiter queue.SourceLimiter
	clock   engine.Clock
	idGen   engine.IDGenerator
	cfg     Config
}

// NewManager connects a pool and returns a Manager.
func NewManager(
	ctx context.Context,
	cfg Config,
	limiter queue.SourceLimiter,
	clock engine.Clock,
	idGen engine.IDGenerator,
) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewManagerWithDB(pool, cfg, limiter, clock, idGen), nil
}

// NewManagerWithDB constructs a Manager from an existing pool (primarily
// for testing).
func NewManagerWithDB(db DB, cfg Config, limiter queue.SourceLimiter, clock engine.Clock, idGen engine.IDGenerator) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == (engine.BackoffPolicy{}) {
		cfg.Backoff = engine.DefaultBackoff()
	}
	return &Manager{db: db, limiter: limiter, clock: clock, idGen: idGen, cfg: cfg}
}

// Close releases the underlying pool resources.
func (m *Manager) Close() {
	if m == nil || m.db == nil {
		return
	}
	m.db.Close()
}

// Enqueue inserts a pending job. The partial unique index rejects a second
// active job for the same series; that conflict maps to
// engine.ErrDuplicateActiveJob.
func (m *Manager) Enqueue(ctx context.Context, source, externalID string, priority int) (engine.CrawlJob, error) {
	id, err := m.idGen.NewID()
	if err != nil {
		return engine.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
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
	_, err = m.db.Exec(ctx, `
INSERT INTO crawl_jobs (id, source, external_id, priority, status, attempt_count, max_attempts, created_at, scheduled_for, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $6, $6)`,
		id, source, externalID, priority, m.cfg.MaxAttempts, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return engine.CrawlJob{}, engine.ErrDuplicateActiveJob
		}
		return engine.CrawlJob{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Claim leases the best eligible job. Rate-limited sources are excluded and
// the selection retried within the same transaction, so a blocked source
// never consumes more than a row lock held until commit.
func (m *Manager) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (engine.CrawlJob, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return engine.CrawlJob{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := m.clock.Now()
	blocked := []string{}
	for {
		var job engine.CrawlJob
		err := tx.QueryRow(ctx, `
SELECT id, source, external_id, priority, attempt_count, max_attempts, created_at, scheduled_for
FROM crawl_jobs
WHERE status IN ('pending', 'retrying')
  AND scheduled_for <= $1
  AND source <> ALL($2::text[])
ORDER BY priority DESC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`,
			now, blocked,
		).Scan(&job.ID, &job.Source, &job.ExternalID, &job.Priority,
			&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.ScheduledFor)
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.CrawlJob{}, engine.ErrNoJobAvailable
		}
		if err != nil {
			return engine.CrawlJob{}, fmt.Errorf("select claim candidate: %w", err)
		}

		if m.limiter != nil && !m.limiter.TryAcquire(job.Source) {
			blocked = append(blocked, job.Source)
			metrics.ObserveRateLimitBlock(job.Source)
			continue
		}

		expires := now.Add(leaseDuration)
		if _, err := tx.Exec(ctx, `
UPDATE crawl_jobs
SET status = 'processing', lease_holder = $2, lease_expires_at = $3,
    attempt_count = attempt_count + 1, updated_at = $4
WHERE id = $1`,
			job.ID, workerID, expires, now); err != nil {
			m.refundQuota(job.Source)
			return engine.CrawlJob{}, fmt.Errorf("mark job claimed: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			m.refundQuota(job.Source)
			return engine.CrawlJob{}, fmt.Errorf("commit claim: %w", err)
		}
		job.Status = engine.JobStatusProcessing
		job.LeaseHolder = workerID
		job.LeaseExpiresAt = &expires
		job.AttemptCount++
		return job, nil
	}
}

// refundQuota hands a consumed rate-limit unit back when the claim fails
// after TryAcquire, so a storage error does not burn the source's budget.
func (m *Manager) refundQuota(source string) {
	if r, ok := m.limiter.(interface{ Refund(source string) }); ok {
		r.Refund(source)
	}
}

// Complete marks a leased job completed.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string) error {
	tag, err := m.db.Exec(ctx, `
UPDATE crawl_jobs
SET status = 'completed', lease_holder = NULL, lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND status = 'processing' AND lease_holder = $2`,
		jobID, workerID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return m.missingOrMismatch(ctx, jobID)
	}
	return nil
}

// Fail reports a failed execution, retrying with backoff while attempts
// remain.
func (m *Manager) Fail(ctx context.Context, jobID, workerID string, jobErr engine.JobError) (engine.CrawlJob, error) {
	// Only the lease holder reaches this path, so reading the attempt
	// counter before the guarded update is race-free.
	current, err := m.Get(ctx, jobID)
	if err != nil {
		return engine.CrawlJob{}, err
	}
	if current.Status != engine.JobStatusProcessing || current.LeaseHolder != workerID {
		return engine.CrawlJob{}, engine.ErrLeaseMismatch
	}
	retryAt := m.clock.Now().Add(m.cfg.Backoff.Delay(jobErr.Kind, current.AttemptCount))
	job, err := m.failWhere(ctx, retryAt, jobErr,
		`id = $4 AND status = 'processing' AND lease_holder = $5`, jobID, workerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CrawlJob{}, m.missingOrMismatch(ctx, jobID)
	}
	return job, err
}

func (m *Manager) failWhere(
	ctx context.Context,
	retryAt time.Time,
	jobErr engine.JobError,
	where string,
	args ...any,
) (engine.CrawlJob, error) {
	now := m.clock.Now()
	query := fmt.Sprintf(`
UPDATE crawl_jobs
SET status = CASE WHEN attempt_count < max_attempts THEN 'retrying' ELSE 'failed' END,
    scheduled_for = CASE WHEN attempt_count < max_attempts THEN $1 ELSE scheduled_for END,
    lease_holder = NULL, lease_expires_at = NULL,
    last_error_kind = $2, last_error_message = $3, updated_at = $6
WHERE %s
RETURNING `+jobColumns, where)

	var job engine.CrawlJob
	var status string
	var kind, message *string
	err := m.db.QueryRow(ctx, query,
		append([]any{retryAt, string(jobErr.Kind), jobErr.Message}, append(args, now)...)...,
	).Scan(&job.ID, &job.Source, &job.ExternalID, &job.Priority, &status,
		&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.ScheduledFor,
		&nullString{&job.LeaseHolder}, &job.LeaseExpiresAt, &kind, &message)
	if err != nil {
		return engine.CrawlJob{}, err
	}
	job.Status = engine.JobStatus(status)
	if kind != nil {
		job.LastError = &engine.JobError{Kind: engine.ErrorKind(*kind)}
		if message != nil {
			job.LastError.Message = *message
		}
	}
	return job, nil
}

// Cancel moves a non-terminal job to cancelled; terminal jobs are left
// untouched.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	tag, err := m.db.Exec(ctx, `
UPDATE crawl_jobs
SET status = 'cancelled', lease_holder = NULL, lease_expires_at = NULL, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'processing', 'retrying')`,
		jobID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either already terminal (idempotent no-op) or unknown.
		if _, err := m.Get(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// ReapExpiredLeases recovers every processing job whose lease has lapsed.
func (m *Manager) ReapExpiredLeases(ctx context.Context) (int, error) {
	now := m.clock.Now()
	tag, err := m.db.Exec(ctx, `
UPDATE crawl_jobs
SET status = CASE WHEN attempt_count < max_attempts THEN 'pending' ELSE 'failed' END,
    scheduled_for = CASE WHEN attempt_count < max_attempts THEN $1 ELSE scheduled_for END,
    lease_holder = NULL, lease_expires_at = NULL,
    last_error_kind = $2, last_error_message = $3, updated_at = $1
WHERE status = 'processing' AND lease_expires_at < $1`,
		now, string(engine.ErrorKindLeaseExpired), "lease expired before the worker reported an outcome")
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get fetches a job by id.
func (m *Manager) Get(ctx context.Context, jobID string) (engine.CrawlJob, error) {
	var job engine.CrawlJob
	var status string
	var kind, message *string
	err := m.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID,
	).Scan(&job.ID, &job.Source, &job.ExternalID, &job.Priority, &status,
		&job.AttemptCount, &job.MaxAttempts, &job.CreatedAt, &job.ScheduledFor,
		&nullString{&job.LeaseHolder}, &job.LeaseExpiresAt, &kind, &message)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CrawlJob{}, engine.ErrJobNotFound
	}
	if err != nil {
		return engine.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	job.Status = engine.JobStatus(status)
	if kind != nil {
		job.LastError = &engine.JobError{Kind: engine.ErrorKind(*kind)}
		if message != nil {
			job.LastError.Message = *message
		}
	}
	return job, nil
}

// Stats counts jobs by status.
func (m *Manager) Stats(ctx context.Context) (map[engine.JobStatus]int, error) {
	rows, err := m.db.Query(ctx, `SELECT status, COUNT(*) FROM crawl_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[engine.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		out[engine.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return out, nil
}

func (m *Manager) missingOrMismatch(ctx context.Context, jobID string) error {
	if _, err := m.Get(ctx, jobID); errors.Is(err, engine.ErrJobNotFound) {
		return engine.ErrJobNotFound
	}
	return engine.ErrLeaseMismatch
}

// nullString scans a nullable text column into a plain string, mapping
// NULL to "".
type nullString struct {
	s *string
}

func (n *nullString) Scan(src any) error {
	if src == nil {
		*n.s = ""
		return nil
	}
	switch v := src.(type) {
	case string:
		*n.s = v
	case []byte:
		*n.s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into string", src)
	}
	return nil
}
