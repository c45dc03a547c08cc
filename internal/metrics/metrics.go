// Package metrics exposes process-level Prometheus collectors for the
// grayscale job service. Job lifecycle counters live in the progress sinks.
package metrics

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	storedJobs                 prometheus.Gauge
	storageRetriesTotal        *prometheus.CounterVec
	storageThrottleSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grayscale_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		storedJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grayscale_stored_jobs",
				Help: "Number of job records currently held in memory.",
			},
		)

		storageRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grayscale_storage_retries_total",
				Help: "Total number of retried artifact writes, labeled by folder.",
			},
			[]string{"folder"},
		)

		storageThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grayscale_storage_throttle_seconds",
				Help:    "Delay introduced by outbound storage pacing, labeled by folder.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"folder"},
		)
	})
}

// SanitizeMediaType reduces a Content-Type header to a lowercase media type.
// It returns "unknown" if the header cannot be parsed.
func SanitizeMediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return "unknown"
	}
	return strings.ToLower(mediaType)
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
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

// SetStoredJobs reports the current job store size.
func SetStoredJobs(n int) {
	Init()
	storedJobs.Set(float64(n))
}

// ObserveStorageRetry counts a retried artifact write.
func ObserveStorageRetry(folder string) {
	Init()
	storageRetriesTotal.WithLabelValues(folder).Inc()
}

// ObserveStorageThrottle records time spent waiting for a storage call slot.
func ObserveStorageThrottle(folder string, d time.Duration) {
	Init()
	storageThrottleSeconds.WithLabelValues(folder).Observe(d.Seconds())
}
