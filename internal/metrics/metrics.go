// Package metrics exposes Prometheus collectors for the scrape-and-index
// service. Nothing is recorded until Init runs; the Observe helpers are
// no-ops before that, so a process with metrics disabled registers no
// collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobAttemptsTotal           *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	pagesPersistedTotal        prometheus.Counter
	documentsIndexedTotal      prometheus.Counter
	indexBatchesTotal          *prometheus.CounterVec
	nonFatalErrorsTotal        *prometheus.CounterVec
	reindexScanSitesTotal      *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once    sync.Once
	enabled atomic.Bool
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_jobs_total",
				Help: "Total number of finished jobs, labeled by final status.",
			},
			[]string{"status"},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_job_attempts_total",
				Help: "Total number of job attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitesearch_job_duration_seconds",
				Help:    "Histogram of single attempt durations, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)

		pagesPersistedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitesearch_pages_persisted_total",
				Help: "Total number of pages written to the page store.",
			},
		)

		documentsIndexedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitesearch_documents_indexed_total",
				Help: "Total number of documents accepted by the search index.",
			},
		)

		indexBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_index_batches_total",
				Help: "Total number of index batch submissions, labeled by result.",
			},
			[]string{"result"},
		)

		nonFatalErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_nonfatal_errors_total",
				Help: "Total number of failed side effects that did not abort a job, labeled by effect.",
			},
			[]string{"effect"},
		)

		reindexScanSitesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitesearch_reindex_scan_sites_total",
				Help: "Sites examined by the periodic reindex scan, labeled by decision.",
			},
			[]string{"decision"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitesearch_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitesearch_queue_depth",
				Help: "Number of jobs waiting in the queue.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
		enabled.Store(true)
	})
}

// Enabled reports whether Init has registered the collectors.
func Enabled() bool {
	return enabled.Load()
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a finished job by its final status.
func ObserveJob(status string) {
	if !enabled.Load() {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt records one attempt's outcome and duration.
func ObserveAttempt(outcome string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	jobAttemptsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObservePagePersisted counts a stored page.
func ObservePagePersisted() {
	if !enabled.Load() {
		return
	}
	pagesPersistedTotal.Inc()
}

// ObserveIndexBatch counts a batch submission and, on success, its documents.
func ObserveIndexBatch(size int, err error) {
	if !enabled.Load() {
		return
	}
	if err != nil {
		indexBatchesTotal.WithLabelValues("error").Inc()
		return
	}
	indexBatchesTotal.WithLabelValues("ok").Inc()
	documentsIndexedTotal.Add(float64(size))
}

// ObserveNonFatal counts a failed side effect.
func ObserveNonFatal(effect string) {
	if !enabled.Load() {
		return
	}
	nonFatalErrorsTotal.WithLabelValues(effect).Inc()
}

// ObserveReindexDecision counts a scan decision (enqueued, skipped, failed, not_due).
func ObserveReindexDecision(decision string) {
	if !enabled.Load() {
		return
	}
	reindexScanSitesTotal.WithLabelValues(decision).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if !enabled.Load() {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if !enabled.Load() {
		return
	}
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	if !enabled.Load() {
		return
	}
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
