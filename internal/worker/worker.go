// Package worker implements the fetch execution loop. A worker repeatedly
// claims a job, performs the fetch through the injected fetcher, stores the
// resulting observations, reports the outcome to the queue and the attempt
// recorder, and publishes an ingestion event when new data arrived.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/econgraph/seriesd/internal/attempts"
	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/metrics"
	"github.com/econgraph/seriesd/internal/observations"
	"github.com/econgraph/seriesd/internal/queue"
)

// Config controls Worker behavior.
type Config struct {
	// LeaseDuration is how long a claim stays exclusive before the reaper
	// may return the job to the pool.
	LeaseDuration time.Duration

	// IdleSleep is how long to wait after an empty claim before polling
	// again.
	IdleSleep time.Duration

	// ClaimsPerSecond paces how fast this worker polls the queue. Zero
	// disables pacing.
	ClaimsPerSecond float64

	// Topic receives series-updated events when a fetch stored new
	// observations.
	Topic string
}

// SeriesUpdatedEvent is the payload published after a fetch stores new
// observations.
type SeriesUpdatedEvent struct {
	SeriesID              string     `json:"series_id"`
	Source                string     `json:"source"`
	ExternalID            string     `json:"external_id"`
	NewObservations       int        `json:"new_observations"`
	LatestObservationDate *time.Time `json:"latest_observation_date,omitempty"`
}

// Worker claims and executes crawl jobs.
type Worker struct {
	id        string
	manager   queue.Manager
	fetcher   engine.Fetcher
	store     observations.Store
	recorder  *attempts.Recorder
	publisher engine.Publisher
	clock     engine.Clock
	idGen     engine.IDGenerator
	pacer     *rate.Limiter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher may be nil when no event bus is
// configured.
func New(
	id string,
	manager queue.Manager,
	fetcher engine.Fetcher,
	store observations.Store,
	recorder *attempts.Recorder,
	publisher engine.Publisher,
	clock engine.Clock,
	idGen engine.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "series-updated"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var pacer *rate.Limiter
	if cfg.ClaimsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.ClaimsPerSecond), 1)
	}
	return &Worker{
		id:        id,
		manager:   manager,
		fetcher:   fetcher,
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		clock:     clock,
		idGen:     idGen,
		pacer:     pacer,
		cfg:       cfg,
		logger:    logger.With(zap.String("worker_id", id)),
	}
}

// Run blocks, claiming and executing jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.waitForSlot(ctx); err != nil {
			return err
		}

		job, err := w.manager.Claim(ctx, w.id, w.cfg.LeaseDuration)
		if errors.Is(err, engine.ErrNoJobAvailable) {
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", zap.Error(err))
			if err := w.idle(ctx); err != nil {
				return err
			}
			continue
		}

		metrics.ObserveClaim(job.Source)
		w.logger.Debug("claimed job",
			zap.String("job_id", job.ID),
			zap.String("series_id", engine.SeriesKey(job.Source, job.ExternalID)),
			zap.Int("attempt", job.AttemptCount),
		)
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job engine.CrawlJob) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	attemptedAt := w.clock.Now()
	result, fetchErr := w.fetcher.Fetch(ctx, job.Source, job.ExternalID)
	latency := w.clock.Now().Sub(attemptedAt)
	metrics.ObserveFetch(job.Source, latency)

	if fetchErr != nil {
		w.reportFailure(ctx, job, attemptedAt, latency, result, fetchErr)
		return
	}

	newObservations := 0
	var missingDate *time.Time
	seriesID := engine.SeriesKey(job.Source, job.ExternalID)
	for _, fo := range result.Observations {
		// A nil value is the provider explicitly reporting "no data" for
		// the date; the earliest such date drives gap backfill.
		if fo.Value == nil && (missingDate == nil || fo.Date.Before(*missingDate)) {
			date := fo.Date
			missingDate = &date
		}
		inserted, err := w.store.Upsert(ctx, engine.Observation{
			SeriesID:        seriesID,
			ObservationDate: fo.Date,
			Value:           fo.Value,
			RevisionDate:    fo.RevisionDate,
		})
		if err != nil {
			// Storage trouble retries like a transient fetch failure.
			w.reportFailure(ctx, job, attemptedAt, latency, result,
				engine.NewFetchError(engine.ErrorKindNetwork, "store observation: %s", err))
			return
		}
		if inserted {
			newObservations++
		}
	}
	metrics.ObserveObservations(job.Source, newObservations)

	if err := w.manager.Complete(ctx, job.ID, w.id); err != nil {
		if errors.Is(err, engine.ErrLeaseMismatch) {
			// Our lease was reaped mid-fetch. The observations are stored
			// idempotently, so the retry will converge; the series state
			// now belongs to whoever holds the new lease.
			w.logger.Debug("lease lost before completion", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobOutcome(job.Source, string(engine.JobStatusCompleted))

	w.record(ctx, job, engine.CrawlAttempt{
		JobID:                 job.ID,
		Source:                job.Source,
		ExternalID:            job.ExternalID,
		AttemptedAt:           attemptedAt,
		CompletedAt:           w.clock.Now(),
		Outcome:               engine.AttemptSucceeded,
		StatusCode:            result.StatusCode,
		NewObservations:       newObservations,
		LatestObservationDate: result.LatestDate,
		Latency:               latency,
		ResponseBytes:         result.ResponseSize,
		MissingDate:           missingDate,
	})

	if w.publisher != nil && newObservations > 0 {
		event := SeriesUpdatedEvent{
			SeriesID:              seriesID,
			Source:                job.Source,
			ExternalID:            job.ExternalID,
			NewObservations:       newObservations,
			LatestObservationDate: result.LatestDate,
		}
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
			w.logger.Warn("publish series update failed",
				zap.String("series_id", seriesID), zap.Error(err))
		}
	}
}

func (w *Worker) reportFailure(ctx context.Context, job engine.CrawlJob, attemptedAt time.Time, latency time.Duration, result engine.FetchResult, fetchErr error) {
	kind := engine.FetchErrorKind(fetchErr)
	updated, err := w.manager.Fail(ctx, job.ID, w.id, engine.JobError{
		Kind:    kind,
		Message: fetchErr.Error(),
	})
	if err != nil {
		if errors.Is(err, engine.ErrLeaseMismatch) {
			w.logger.Debug("lease lost before failure report", zap.String("job_id", job.ID))
			return
		}
		w.logger.Error("fail report failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	metrics.ObserveJobOutcome(job.Source, string(updated.Status))
	w.logger.Info("fetch failed",
		zap.String("job_id", job.ID),
		zap.String("series_id", engine.SeriesKey(job.Source, job.ExternalID)),
		zap.String("error_kind", string(kind)),
		zap.String("status", string(updated.Status)),
		zap.Error(fetchErr),
	)

	w.record(ctx, job, engine.CrawlAttempt{
		JobID:         job.ID,
		Source:        job.Source,
		ExternalID:    job.ExternalID,
		AttemptedAt:   attemptedAt,
		CompletedAt:   w.clock.Now(),
		Outcome:       engine.AttemptFailed,
		ErrorKind:     kind,
		StatusCode:    result.StatusCode,
		Latency:       latency,
		ResponseBytes: result.ResponseSize,
	})
}

func (w *Worker) record(ctx context.Context, job engine.CrawlJob, attempt engine.CrawlAttempt) {
	if w.recorder == nil {
		return
	}
	id, err := w.idGen.NewID()
	if err != nil {
		w.logger.Error("attempt id generation failed", zap.Error(err))
		return
	}
	attempt.ID = id
	if err := w.recorder.Record(ctx, attempt); err != nil {
		w.logger.Error("record attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) waitForSlot(ctx context.Context) error {
	if w.pacer == nil {
		return nil
	}
	return w.pacer.Wait(ctx)
}

func (w *Worker) idle(ctx context.Context) error {
	timer := time.NewTimer(w.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
