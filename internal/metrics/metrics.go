// Package metrics exposes process-wide Prometheus collectors for the
// collector service: API traffic, remote fetch throttling and snapshot exports.
// Per-session collection metrics live in progress/sinks.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	remoteFetchesInFlight      prometheus.Gauge
	remoteFetchWaitSeconds     *prometheus.HistogramVec
	snapshotsTotal             *prometheus.CounterVec

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

		remoteFetchesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "netcollector_remote_fetches_in_flight",
				Help: "Number of remote protocol calls currently outstanding.",
			},
		)

		remoteFetchWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netcollector_remote_fetch_wait_seconds",
				Help:    "Time remote fetches spent waiting for a slot or rate-limit token.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"kind"},
		)

		snapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netcollector_snapshots_total",
				Help: "Total number of snapshot exports, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncRemoteFetches increments the in-flight remote fetch gauge.
func IncRemoteFetches() {
	remoteFetchesInFlight.Inc()
}

// DecRemoteFetches decrements the in-flight remote fetch gauge.
func DecRemoteFetches() {
	remoteFetchesInFlight.Dec()
}

// ObserveRemoteFetchWait records how long a fetch of kind waited to be admitted.
func ObserveRemoteFetchWait(kind string, duration time.Duration) {
	remoteFetchWaitSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveSnapshot counts one export attempt.
func ObserveSnapshot(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	snapshotsTotal.WithLabelValues(result).Inc()
}
