// Package engine defines core types shared across subsystems.
package engine

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the queue store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobError pairs a closed error kind with an opaque diagnostic message.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CrawlJob is one unit of work for a (source, external series id) pair.
// At most one non-terminal job may exist per pair at any time.
type CrawlJob struct {
	ID             string     `json:"id"`
	Source         string     `json:"source"`
	ExternalID     string     `json:"external_id"`
	Priority       int        `json:"priority"`
	Status         JobStatus  `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	LeaseHolder    string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      *JobError  `json:"last_error,omitempty"`
}

// SeriesKey returns the canonical series identifier for the job.
func (j CrawlJob) SeriesKey() string {
	return SeriesKey(j.Source, j.ExternalID)
}

// SeriesKey builds the canonical series identifier for a
// (source, external series id) pair.
func SeriesKey(source, externalID string) string {
	return source + "/" + externalID
}

// SplitSeriesKey recovers the source and external id from a series key.
func SplitSeriesKey(key string) (source, externalID string, err error) {
	source, externalID, ok := strings.Cut(key, "/")
	if !ok || source == "" || externalID == "" {
		return "", "", fmt.Errorf("malformed series key %q", key)
	}
	return source, externalID, nil
}

// AttemptOutcome is the terminal result of one crawl attempt.
type AttemptOutcome string

// Attempt outcomes recorded in the attempt log.
const (
	AttemptSucceeded AttemptOutcome = "success"
	AttemptFailed    AttemptOutcome = "failure"
)

// CrawlAttempt is an immutable record of one execution of a CrawlJob.
// Rows are append-only and deduplicated on (JobID, AttemptedAt).
type CrawlAttempt struct {
	ID                    string         `json:"id"`
	JobID                 string         `json:"job_id"`
	Source                string         `json:"source"`
	ExternalID            string         `json:"external_id"`
	AttemptedAt           time.Time      `json:"attempted_at"`
	CompletedAt           time.Time      `json:"completed_at"`
	Outcome               AttemptOutcome `json:"outcome"`
	ErrorKind             ErrorKind      `json:"error_kind,omitempty"`
	StatusCode            int            `json:"status_code,omitempty"`
	NewObservations       int            `json:"new_observations"`
	LatestObservationDate *time.Time     `json:"latest_observation_date,omitempty"`
	Latency               time.Duration  `json:"latency_ms"`
	ResponseBytes         int64          `json:"response_bytes"`
	MissingDate           *time.Time     `json:"missing_date,omitempty"`
}

// SeriesKey returns the canonical series identifier for the attempt.
func (a CrawlAttempt) SeriesKey() string {
	return SeriesKey(a.Source, a.ExternalID)
}

// Observation is one bitemporal fact: the value of a series on a
// real-world date as it was known at a given revision date. Value is nil
// when the provider explicitly reported "no data" for the date.
type Observation struct {
	SeriesID          string    `json:"series_id"`
	ObservationDate   time.Time `json:"observation_date"`
	Value             *float64  `json:"value"`
	RevisionDate      time.Time `json:"revision_date"`
	IsOriginalRelease bool      `json:"is_original_release"`
}

// SeriesCrawlState is the per-series cursor driving predictive rescheduling.
type SeriesCrawlState struct {
	SeriesID            string     `json:"series_id"`
	Source              string     `json:"source"`
	ExternalID          string     `json:"external_id"`
	FirstDiscoveredAt   time.Time  `json:"first_discovered_at"`
	LastCrawledAt       *time.Time `json:"last_crawled_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	FirstMissingDate    *time.Time `json:"first_missing_date,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failure_count"`
	CrawlStatus         string     `json:"current_crawl_status"`
}

// FetchedObservation is one value reported by a provider fetch.
type FetchedObservation struct {
	Date         time.Time
	Value        *float64
	RevisionDate time.Time
}

// FetchResult is the generic shape returned by provider-specific fetchers.
type FetchResult struct {
	Observations []FetchedObservation
	LatestDate   *time.Time
	StatusCode   int
	ResponseSize int64
}
