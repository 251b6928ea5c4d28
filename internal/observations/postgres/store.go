// Package postgres persists bitemporal observations in Postgres. The
// uniqueness key is (series_id, observation_date, revision_date); the
// original-release flag is computed inside the insert statement, and a
// partial unique index backstops it so the first revision wins even under
// concurrent writers.
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
	"github.com/econgraph/seriesd/internal/observations"
)

// Schema is the DDL for the observations table.
const Schema = `
CREATE TABLE IF NOT EXISTS observations (
	series_id VARCHAR(310) NOT NULL,
	observation_date DATE NOT NULL,
	value DOUBLE PRECISION,
	revision_date DATE NOT NULL,
	is_original_release BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (series_id, observation_date, revision_date)
);

CREATE UNIQUE INDEX IF NOT EXISTS observations_original_release
	ON observations (series_id, observation_date)
	WHERE is_original_release;
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

// Store is a Postgres observations.Store implementation.
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

// Upsert records one revision. The ON CONFLICT clause makes replays of the
// same revision a no-op, and the NOT EXISTS subquery grants the
// original-release flag only to the first revision ever stored for the
// observation date. Two writers racing on a brand-new observation date can
// both pass the NOT EXISTS check under READ COMMITTED; the partial unique
// index rejects the loser, which then stores its revision as non-original.
func (s *Store) Upsert(ctx context.Context, obs engine.Observation) (bool, error) {
	obsDate := observations.DateKey(obs.ObservationDate)
	revDate := observations.DateKey(obs.RevisionDate)
	tag, err := s.db.Exec(ctx, `
INSERT INTO observations (series_id, observation_date, value, revision_date, is_original_release)
SELECT $1, $2, $3, $4,
	NOT EXISTS (
		SELECT 1 FROM observations WHERE series_id = $1 AND observation_date = $2
	)
ON CONFLICT (series_id, observation_date, revision_date) DO NOTHING`,
		obs.SeriesID, obsDate, obs.Value, revDate)
	if isOriginalReleaseConflict(err) {
		tag, err = s.db.Exec(ctx, `
INSERT INTO observations (series_id, observation_date, value, revision_date, is_original_release)
VALUES ($1, $2, $3, $4, FALSE)
ON CONFLICT (series_id, observation_date, revision_date) DO NOTHING`,
			obs.SeriesID, obsDate, obs.Value, revDate)
	}
	if err != nil {
		return false, fmt.Errorf("insert observation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func isOriginalReleaseConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" &&
		pgErr.ConstraintName == "observations_original_release"
}

// Latest returns the newest revision at or before asOf (nil means newest).
func (s *Store) Latest(ctx context.Context, seriesID string, observationDate time.Time, asOf *time.Time) (engine.Observation, error) {
	var obs engine.Observation
	err := s.db.QueryRow(ctx, `
SELECT series_id, observation_date, value, revision_date, is_original_release
FROM observations
WHERE series_id = $1 AND observation_date = $2 AND ($3::date IS NULL OR revision_date <= $3)
ORDER BY revision_date DESC
LIMIT 1`,
		seriesID, observations.DateKey(observationDate), asOf,
	).Scan(&obs.SeriesID, &obs.ObservationDate, &obs.Value, &obs.RevisionDate, &obs.IsOriginalRelease)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Observation{}, engine.ErrObservationNotFound
	}
	if err != nil {
		return engine.Observation{}, fmt.Errorf("latest observation: %w", err)
	}
	return obs, nil
}

// History returns all revisions ordered by revision date ascending.
func (s *Store) History(ctx context.Context, seriesID string, observationDate time.Time) ([]engine.Observation, error) {
	rows, err := s.db.Query(ctx, `
SELECT series_id, observation_date, value, revision_date, is_original_release
FROM observations
WHERE series_id = $1 AND observation_date = $2
ORDER BY revision_date ASC`,
		seriesID, observations.DateKey(observationDate))
	if err != nil {
		return nil, fmt.Errorf("observation history: %w", err)
	}
	defer rows.Close()

	var out []engine.Observation
	for rows.Next() {
		var obs engine.Observation
		if err := rows.Scan(&obs.SeriesID, &obs.ObservationDate, &obs.Value,
			&obs.RevisionDate, &obs.IsOriginalRelease); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return out, nil
}
