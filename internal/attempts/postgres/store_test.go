package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/econgraph/seriesd/internal/engine"
)

func TestAppendAttemptInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStoreWithDB(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kind := "network"

	attempt := engine.CrawlAttempt{
		ID:            "att-1",
		JobID:         "job-1",
		Source:        "fred",
		ExternalID:    "GDP",
		AttemptedAt:   now,
		CompletedAt:   now.Add(2 * time.Second),
		Outcome:       engine.AttemptFailed,
		ErrorKind:     engine.ErrorKindNetwork,
		StatusCode:    502,
		Latency:       1500 * time.Millisecond,
		ResponseBytes: 128,
	}

	mock.ExpectExec("INSERT INTO crawl_attempts").
		WithArgs(
			attempt.ID, attempt.JobID, attempt.Source, attempt.ExternalID,
			attempt.AttemptedAt, attempt.CompletedAt, "failure",
			&kind, attempt.StatusCode, 0,
			(*time.Time)(nil), (*time.Time)(nil), int64(1500), int64(128),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.AppendAttempt(context.Background(), attempt)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAttemptReportsDuplicate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStoreWithDB(mock)

	mock.ExpectExec("INSERT INTO crawl_attempts").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.AppendAttempt(context.Background(), engine.CrawlAttempt{
		ID:      "att-1",
		JobID:   "job-1",
		Source:  "fred",
		Outcome: engine.AttemptSucceeded,
	})
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStateMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStoreWithDB(mock)

	mock.ExpectQuery("SELECT series_id, source, external_id").
		WithArgs("fred/GDP").
		WillReturnRows(pgxmock.NewRows([]string{
			"series_id", "source", "external_id", "first_discovered_at", "last_crawled_at",
			"last_success_at", "first_missing_date", "consecutive_failure_count", "current_crawl_status",
		}))

	_, found, err := store.GetState(context.Background(), "fred/GDP")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutStateUpserts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStoreWithDB(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	state := engine.SeriesCrawlState{
		SeriesID:            "fred/GDP",
		Source:              "fred",
		ExternalID:          "GDP",
		FirstDiscoveredAt:   now,
		LastCrawledAt:       &now,
		ConsecutiveFailures: 2,
		CrawlStatus:         "degrading",
	}

	mock.ExpectExec("INSERT INTO series_crawl_state").
		WithArgs(
			state.SeriesID, state.Source, state.ExternalID, state.FirstDiscoveredAt,
			state.LastCrawledAt, (*time.Time)(nil), (*time.Time)(nil), 2, "degrading",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.PutState(context.Background(), state))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttemptsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStoreWithDB(mock)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	kind := "network"

	mock.ExpectQuery("SELECT id, job_id, source, external_id").
		WithArgs("fred", "GDP", 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "source", "external_id", "attempted_at", "completed_at", "outcome",
			"error_kind", "status_code", "new_observations", "latest_observation_date",
			"missing_date", "latency_ms", "response_bytes",
		}).AddRow(
			"att-2", "job-2", "fred", "GDP", now, now.Add(time.Second), "failure",
			&kind, 502, 0, (*time.Time)(nil), (*time.Time)(nil), int64(900), int64(64),
		).AddRow(
			"att-1", "job-1", "fred", "GDP", now.Add(-time.Hour), now.Add(-time.Hour+time.Second), "success",
			(*string)(nil), 200, 4, &now, (*time.Time)(nil), int64(300), int64(2048),
		))

	rows, err := store.ListAttempts(context.Background(), "fred/GDP", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, engine.ErrorKindNetwork, rows[0].ErrorKind)
	require.Equal(t, 900*time.Millisecond, rows[0].Latency)
	require.Equal(t, engine.AttemptSucceeded, rows[1].Outcome)
	require.Equal(t, engine.ErrorKindNone, rows[1].ErrorKind)
	require.NoError(t, mock.ExpectationsWereMet())
}
