// Package metrics exposes Prometheus collectors for the relay service.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	queueWaitTimeoutsTotal     *prometheus.CounterVec
	accountRotationsTotal      prometheus.Counter
	dailyLimitsTotal           prometheus.Counter
	sessionResetsTotal         *prometheus.CounterVec
	searchCacheTotal           *prometheus.CounterVec
	proxyRequestsTotal         *prometheus.CounterVec
	mirrorAttemptsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_jobs_total",
				Help: "Total number of jobs processed, labeled by job name and final status.",
			},
			[]string{"job", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bookrelay_job_duration_seconds",
				Help:    "Histogram of job execution time, labeled by job name.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"job"},
		)

		queueWaitTimeoutsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_queue_wait_timeouts_total",
				Help: "Total number of callers that stopped waiting before their job finished.",
			},
			[]string{"job"},
		)

		accountRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookrelay_account_rotations_total",
				Help: "Total number of switches to another account after a rate limit.",
			},
		)

		dailyLimitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bookrelay_daily_limits_total",
				Help: "Total number of daily download limit pages encountered.",
			},
		)

		sessionResetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_session_resets_total",
				Help: "Total number of browser session teardowns, labeled by reason.",
			},
			[]string{"reason"},
		)

		searchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_search_cache_total",
				Help: "Search cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_proxy_requests_total",
				Help: "Download proxy requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		mirrorAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bookrelay_mirror_attempts_total",
				Help: "Mirror fetch attempts, labeled by source kind and outcome.",
			},
			[]string{"source", "outcome"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 90},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob records a finished job.
func ObserveJob(job, status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(job, status).Inc()
	jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveQueueWaitTimeout counts a caller giving up on a job.
func ObserveQueueWaitTimeout(job string) {
	Init()
	queueWaitTimeoutsTotal.WithLabelValues(job).Inc()
}

// ObserveAccountRotation counts a switch to another account.
func ObserveAccountRotation() {
	Init()
	accountRotationsTotal.Inc()
}

// ObserveDailyLimit counts a daily limit page.
func ObserveDailyLimit() {
	Init()
	dailyLimitsTotal.Inc()
}

// ObserveSessionReset counts a session teardown.
func ObserveSessionReset(reason string) {
	Init()
	sessionResetsTotal.WithLabelValues(reason).Inc()
}

// ObserveSearchCache counts a search cache lookup.
func ObserveSearchCache(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	searchCacheTotal.WithLabelValues(result).Inc()
}

// ObserveProxyRequest counts a download proxy request.
func ObserveProxyRequest(outcome string) {
	Init()
	proxyRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveMirrorAttempt counts a gateway or verified fetch attempt.
func ObserveMirrorAttempt(source, outcome string) {
	Init()
	mirrorAttemptsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
