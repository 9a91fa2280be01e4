// Package metrics exposes Prometheus collectors for the extraction service.
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
	targetsTotal               *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	safetyRejectionsTotal      *prometheus.CounterVec
	evalErrorsTotal            prometheus.Counter
	fetchRetriesTotal          prometheus.Counter
	abuseRejectionsTotal       prometheus.Counter
	archiveFailuresTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_targets_total",
				Help: "Total number of targets processed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_bytes_total",
				Help: "Total number of document bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "extractor_active_workers",
				Help: "Number of workers currently running a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extractor_rate_limit_delay_seconds",
				Help:    "Histogram of per-host politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		safetyRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_safety_rejections_total",
				Help: "URLs refused by the safety gate, labeled by reason.",
			},
			[]string{"reason"},
		)

		evalErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractor_eval_errors_total",
				Help: "Selectors that failed to evaluate.",
			},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractor_fetch_retries_total",
				Help: "Fetch attempts beyond the first.",
			},
		)

		abuseRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "extractor_abuse_rejections_total",
				Help: "API requests refused by the per-client request limit.",
			},
		)

		archiveFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extractor_archive_failures_total",
				Help: "Failures while persisting or announcing completed jobs, labeled by stage.",
			},
			[]string{"stage"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTarget records one finished target.
func ObserveTarget(site string, success bool, bytesFetched int) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	host := SanitizeSite(site)
	targetsTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records an API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for a terminal status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveSafetyRejection counts a URL refused by the safety gate.
func ObserveSafetyRejection(reason string) {
	Init()
	safetyRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveEvalError counts a selector evaluation failure.
func ObserveEvalError() {
	Init()
	evalErrorsTotal.Inc()
}

// ObserveFetchRetry counts a retried fetch attempt.
func ObserveFetchRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveAbuseRejection counts a request refused by the per-client limit.
func ObserveAbuseRejection() {
	Init()
	abuseRejectionsTotal.Inc()
}

// ObserveArchiveFailure counts a failed archive stage.
func ObserveArchiveFailure(stage string) {
	Init()
	archiveFailuresTotal.WithLabelValues(stage).Inc()
}
