// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvestArtifactsTotal         *prometheus.CounterVec
	harvestBytesTotal             *prometheus.CounterVec
	harvestFreshnessTotal         *prometheus.CounterVec
	harvestProbeFallbackTotal     prometheus.Counter
	harvestRunsTotal              *prometheus.CounterVec
	harvestRunDurationSeconds     prometheus.Histogram
	harvestLastSuccess            prometheus.Gauge
	harvestActiveWorkers          prometheus.Gauge
	harvestRateLimitDelaysSeconds *prometheus.HistogramVec
	manifestLoadsTotal            *prometheus.CounterVec
	manifestEntries               prometheus.Gauge
	reconcileStaleRemovedTotal    prometheus.Counter
	reconcileOrphans              prometheus.Gauge
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestArtifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_artifacts_total",
				Help: "Candidates processed, labeled by program and outcome.",
			},
			[]string{"program", "outcome"},
		)

		harvestBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_bytes_total",
				Help: "Total number of artifact bytes downloaded, labeled by program.",
			},
			[]string{"program"},
		)

		harvestFreshnessTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_freshness_decisions_total",
				Help: "Freshness decisions, labeled by reason.",
			},
			[]string{"reason"},
		)

		harvestProbeFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvest_probe_fallback_total",
				Help: "Artifacts kept without verification because the HEAD probe failed.",
			},
		)

		harvestRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_runs_total",
				Help: "Harvest runs, labeled by status.",
			},
			[]string{"status"},
		)

		harvestRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_run_duration_seconds",
				Help:    "Wall time of harvest runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
			},
		)

		harvestLastSuccess = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_last_success_timestamp_seconds",
				Help: "Unix time of the last run that completed without error.",
			},
		)

		harvestActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently draining the queue.",
			},
		)

		harvestRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		manifestLoadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "manifest_loads_total",
				Help: "Manifest loads, labeled by which copy satisfied them.",
			},
			[]string{"source"},
		)

		manifestEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "manifest_entries",
				Help: "Number of records in the manifest after the last run.",
			},
		)

		reconcileStaleRemovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reconcile_stale_removed_total",
				Help: "Manifest records removed because their file was gone.",
			},
		)

		reconcileOrphans = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reconcile_orphans",
				Help: "Untracked files found by the last reconcile scan.",
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArtifact records one processed candidate.
func ObserveArtifact(program, outcome string, bytesFetched int64) {
	harvestArtifactsTotal.WithLabelValues(program, outcome).Inc()
	if bytesFetched > 0 {
		harvestBytesTotal.WithLabelValues(program).Add(float64(bytesFetched))
	}
}

// ObserveFreshness counts a freshness decision by reason.
func ObserveFreshness(reason string) {
	if reason == "" {
		return
	}
	harvestFreshnessTotal.WithLabelValues(reason).Inc()
}

// ObserveProbeFallback counts an artifact skipped on the optimistic path.
func ObserveProbeFallback() {
	harvestProbeFallbackTotal.Inc()
}

// ObserveRun records a finished run.
func ObserveRun(status string, duration time.Duration, finished time.Time) {
	harvestRunsTotal.WithLabelValues(status).Inc()
	harvestRunDurationSeconds.Observe(duration.Seconds())
	if status == "succeeded" {
		harvestLastSuccess.Set(float64(finished.Unix()))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	harvestActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	harvestActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	harvestRateLimitDelaysSeconds.WithLabelValues(SanitizeSite(host)).Observe(duration.Seconds())
}

// ObserveManifestLoad records which manifest copy a load used and its size.
func ObserveManifestLoad(source string, entries int) {
	manifestLoadsTotal.WithLabelValues(source).Inc()
	manifestEntries.Set(float64(entries))
}

// SetManifestEntries updates the manifest size gauge.
func SetManifestEntries(n int) {
	manifestEntries.Set(float64(n))
}

// ObserveReconcile records a reconcile pass.
func ObserveReconcile(staleRemoved, orphans int) {
	reconcileStaleRemovedTotal.Add(float64(staleRemoved))
	reconcileOrphans.Set(float64(orphans))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
