// Package metrics exposes Prometheus collectors for the cvewatch service.
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
	recordMutationsTotal       *prometheus.CounterVec
	crawlJobsTotal             *prometheus.CounterVec
	crawlJobDurationSeconds    *prometheus.HistogramVec
	crawlRecordsTotal          *prometheus.CounterVec
	cacheOpsTotal              *prometheus.CounterVec
	broadcastFailuresTotal     prometheus.Counter
	crawlRunning               prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordMutationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cvewatch_record_mutations_total",
				Help: "Total record mutations, labeled by operation and outcome.",
			},
			[]string{"op", "outcome"},
		)

		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cvewatch_crawl_jobs_total",
				Help: "Total crawl job runs, labeled by job and terminal status.",
			},
			[]string{"job", "status"},
		)

		crawlJobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cvewatch_crawl_job_duration_seconds",
				Help:    "Histogram of crawl job run durations, labeled by job.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		)

		crawlRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cvewatch_crawl_records_total",
				Help: "Records processed by crawls, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		cacheOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cvewatch_cache_ops_total",
				Help: "Cache operations, labeled by op (hit, miss, set, invalidate).",
			},
			[]string{"op"},
		)

		broadcastFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cvewatch_broadcast_failures_total",
				Help: "Broadcast publish failures that were logged and swallowed.",
			},
		)

		crawlRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cvewatch_crawl_running",
				Help: "1 while a crawl job is executing, 0 otherwise.",
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMutation increments the record mutation counter.
func ObserveMutation(op, outcome string) {
	if recordMutationsTotal == nil {
		return
	}
	recordMutationsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveCrawlJob records one terminal crawl job run.
func ObserveCrawlJob(job, status string, duration time.Duration) {
	if crawlJobsTotal == nil {
		return
	}
	crawlJobsTotal.WithLabelValues(job, status).Inc()
	crawlJobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveCrawlRecords adds per-result record counts for a job run.
func ObserveCrawlRecords(job string, added, updated, failed, skipped int) {
	if crawlRecordsTotal == nil {
		return
	}
	crawlRecordsTotal.WithLabelValues(job, "added").Add(float64(added))
	crawlRecordsTotal.WithLabelValues(job, "updated").Add(float64(updated))
	crawlRecordsTotal.WithLabelValues(job, "failed").Add(float64(failed))
	crawlRecordsTotal.WithLabelValues(job, "skipped").Add(float64(skipped))
}

// ObserveCacheOp increments the cache op counter.
func ObserveCacheOp(op string) {
	if cacheOpsTotal == nil {
		return
	}
	cacheOpsTotal.WithLabelValues(op).Inc()
}

// ObserveBroadcastFailure counts a swallowed publish failure.
func ObserveBroadcastFailure() {
	if broadcastFailuresTotal == nil {
		return
	}
	broadcastFailuresTotal.Inc()
}

// SetCrawlRunning flips the running gauge.
func SetCrawlRunning(running bool) {
	if crawlRunning == nil {
		return
	}
	if running {
		crawlRunning.Set(1)
	} else {
		crawlRunning.Set(0)
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
