// Package postgres persists crawl attempts and series state in Postgres.
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
)

// Schema is the DDL for the attempt log and series cursor tables. The
// unique index on (job_id, attempted_at) is what makes Record idempotent
// under retry.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_attempts (
	id UUID PRIMARY KEY,
	job_id UUID NOT NULL,
	source VARCHAR(50) NOT NULL,
	external_id VARCHAR(255) NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	outcome VARCHAR(20) NOT NULL,
	error_kind VARCHAR(50),
	status_code INT,
	new_observations INT NOT NULL DEFAULT 0,
	latest_observation_date DATE,
	missing_date DATE,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	response_bytes BIGINT NOT NULL DEFAULT 0,
	UNIQUE (job_id, attempted_at)
);
CREATE INDEX IF NOT EXISTS crawl_attempts_series
	ON crawl_attempts (source, external_id, attempted_at DESC);

CREATE TABLE IF NOT EXISTS series_crawl_state (
	series_id VARCHAR(310) PRIMARY KEY,
	source VARCHAR(50) NOT NULL,
	external_id VARCHAR(255) NOT NULL,
	first_discovered_at TIMESTAMPTZ NOT NULL,
	last_crawled_at TIMESTAMPTZ,
	last_success_at TIMESTAMPTZ,
	first_missing_date DATE,
	consecutive_failure_count INT NOT NULL DEFAULT 0,
	current_crawl_status VARCHAR(50) NOT NULL DEFAULT 'healthy'
);
`

// DB is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a Postgres attempts.Store implementation.
type Store struct {
	db DB
}

// NewStore connects a pool and returns a Store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
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
	return &Store{db: pool}, nil
}

// NewStoreWithDB constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// AppendAttempt inserts the attempt row; a replay of the same natural key
// is ignored and reported as not inserted.
func (s *Store) AppendAttempt(ctx context.Context, attempt engine.CrawlAttempt) (bool, error) {
	var errorKind *string
	if attempt.ErrorKind != engine.ErrorKindNone {
		kind := string(attempt.ErrorKind)
		errorKind = &kind
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO crawl_attempts (
	id, job_id, source, external_id, attempted_at, completed_at, outcome,
	error_kind, status_code, new_observations, latest_observation_date,
	missing_date, latency_ms, response_bytes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (job_id, attempted_at) DO NOTHING`,
		attempt.ID, attempt.JobID, attempt.Source, attempt.ExternalID,
		attempt.AttemptedAt, attempt.CompletedAt, string(attempt.Outcome),
		errorKind, attempt.StatusCode, attempt.NewObservations,
		attempt.LatestObservationDate, attempt.MissingDate,
		attempt.Latency.Milliseconds(), attempt.ResponseBytes)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetState fetches the series cursor, reporting whether it exists.
func (s *Store) GetState(ctx context.Context, seriesID string) (engine.SeriesCrawlState, bool, error) {
	var state engine.SeriesCrawlState
	err := s.db.QueryRow(ctx, `
SELECT series_id, source, external_id, first_discovered_at, last_crawled_at,
	last_success_at, first_missing_date, consecutive_failure_count, current_crawl_status
FROM series_crawl_state WHERE series_id = $1`, seriesID,
	).Scan(&state.SeriesID, &state.Source, &state.ExternalID, &state.FirstDiscoveredAt,
		&state.LastCrawledAt, &state.LastSuccessAt, &state.FirstMissingDate,
		&state.ConsecutiveFailures, &state.CrawlStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.SeriesCrawlState{}, false, nil
	}
	if err != nil {
		return engine.SeriesCrawlState{}, false, fmt.Errorf("get series state: %w", err)
	}
	return state, true, nil
}

// PutState upserts the series cursor.
func (s *Store) PutState(ctx context.Context, state engine.SeriesCrawlState) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO series_crawl_state (
	series_id, source, external_id, first_discovered_at, last_crawled_at,
	last_success_at, first_missing_date, consecutive_failure_count, current_crawl_status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (series_id) DO UPDATE SET
	last_crawled_at = EXCLUDED.last_crawled_at,
	last_success_at = EXCLUDED.last_success_at,
	first_missing_date = EXCLUDED.first_missing_date,
	consecutive_failure_count = EXCLUDED.consecutive_failure_count,
	current_crawl_status = EXCLUDED.current_crawl_status`,
		state.SeriesID, state.Source, state.ExternalID, state.FirstDiscoveredAt,
		state.LastCrawledAt, state.LastSuccessAt, state.FirstMissingDate,
		state.ConsecutiveFailures, state.CrawlStatus)
	if err != nil {
		return fmt.Errorf("upsert series state: %w", err)
	}
	return nil
}

// ListAttempts returns the most recent attempts for a series, newest first.
func (s *Store) ListAttempts(ctx context.Context, seriesID string, limit int) ([]engine.CrawlAttempt, error) {
	source, externalID, err := engine.SplitSeriesKey(seriesID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, job_id, source, external_id, attempted_at, completed_at, outcome,
	error_kind, status_code, new_observations, latest_observation_date,
	missing_date, latency_ms, response_bytes
FROM crawl_attempts
WHERE source = $1 AND external_id = $2
ORDER BY attempted_at DESC
LIMIT $3`, source, externalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []engine.CrawlAttempt
	for rows.Next() {
		var a engine.CrawlAttempt
		var outcome string
		var errorKind *string
		var latencyMs int64
		if err := rows.Scan(&a.ID, &a.JobID, &a.Source, &a.ExternalID,
			&a.AttemptedAt, &a.CompletedAt, &outcome, &errorKind, &a.StatusCode,
			&a.NewObservations, &a.LatestObservationDate, &a.MissingDate,
			&latencyMs, &a.ResponseBytes); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = engine.AttemptOutcome(outcome)
		if errorKind != nil {
			a.ErrorKind = engine.ErrorKind(*errorKind)
		}
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// ListStates returns every tracked series cursor.
func (s *Store) ListStates(ctx context.Context) ([]engine.SeriesCrawlState, error) {
	rows, err := s.db.Query(ctx, `
SELECT series_id, source, external_id, first_discovered_at, last_crawled_at,
	last_success_at, first_missing_date, consecutive_failure_count, current_crawl_status
FROM series_crawl_state
ORDER BY series_id`)
	if err != nil {
		return nil, fmt.Errorf("list series states: %w", err)
	}
	defer rows.Close()

	var out []engine.SeriesCrawlState
	for rows.Next() {
		var state engine.SeriesCrawlState
		if err := rows.Scan(&state.SeriesID, &state.Source, &state.ExternalID,
			&state.FirstDiscoveredAt, &state.LastCrawledAt, &state.LastSuccessAt,
			&state.FirstMissingDate, &state.ConsecutiveFailures, &state.CrawlStatus); err != nil {
			return nil, fmt.Errorf("scan series state: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate series states: %w", err)
	}
	return out, nil
}
