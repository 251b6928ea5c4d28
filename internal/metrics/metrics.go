// Package metrics exposes Prometheus collectors for the ingestion engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsClaimedTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitBlocksTotal       *prometheus.CounterVec
	leaseReapsTotal            prometheus.Counter
	activeWorkers              prometheus.Gauge
	observationsUpsertedTotal  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsClaimedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seriesd_jobs_claimed_total",
				Help: "Total number of jobs claimed by workers, labeled by source.",
			},
			[]string{"source"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seriesd_jobs_total",
				Help: "Total number of finished job executions, labeled by source and resulting status.",
			},
			[]string{"source", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seriesd_fetch_duration_seconds",
				Help:    "Histogram of provider fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		rateLimitBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seriesd_rate_limit_blocks_total",
				Help: "Total number of claims skipped because a source was at its quota ceiling.",
			},
			[]string{"source"},
		)

		leaseReapsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "seriesd_lease_reaps_total",
				Help: "Total number of expired leases returned to the queue.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "seriesd_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		observationsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seriesd_observations_upserted_total",
				Help: "Total number of new observation revisions stored, labeled by source.",
			},
			[]string{"source"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seriesd_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seriesd_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim counts a granted claim.
func ObserveClaim(source string) {
	jobsClaimedTotal.WithLabelValues(source).Inc()
}

// ObserveJobOutcome counts one finished execution with its resulting status.
func ObserveJobOutcome(source, status string) {
	jobsTotal.WithLabelValues(source, status).Inc()
}

// ObserveFetch records the latency of one provider fetch.
func ObserveFetch(source string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimitBlock counts a claim skipped for quota reasons.
func ObserveRateLimitBlock(source string) {
	rateLimitBlocksTotal.WithLabelValues(source).Inc()
}

// ObserveLeaseReaps adds to the reaped-lease counter.
func ObserveLeaseReaps(count int) {
	if count > 0 {
		leaseReapsTotal.Add(float64(count))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveObservations counts newly stored observation revisions.
func ObserveObservations(source string, count int) {
	if count > 0 {
		observationsUpsertedTotal.WithLabelValues(source).Add(float64(count))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
