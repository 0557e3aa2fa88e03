package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_connections_total",
			Help: "Total number of proxied connections per backend",
		},
		[]string{"backend"},
	)

	connectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ballast_connection_errors_total",
			Help: "Total number of failed proxied connections per backend",
		},
		[]string{"backend", "error_type"},
	)

	connectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ballast_connection_duration_seconds",
			Help:    "Proxied connection duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	backendConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ballast_backend_connections_active",
			Help: "Number of active connections to backend",
		},
		[]string{"backend"},
	)

	backendAlive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ballast_backend_alive",
			Help: "Backend health status (1=alive, 0=down)",
		},
		[]string{"backend"},
	)

	backendAvgLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ballast_backend_avg_latency_ms",
			Help: "Mean proxied connection duration per backend in milliseconds",
		},
		[]string{"backend"},
	)

	pickFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ballast_pick_failures_total",
			Help: "Total number of selections that found no healthy backend",
		},
	)

	acceptsPaused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ballast_accepts_paused_total",
			Help: "Total number of times accepting paused on the connection cap",
		},
	)
)

// RecordConnection records a completed proxied connection
func RecordConnection(backend string, duration time.Duration) {
	connectionsTotal.WithLabelValues(backend).Inc()
	connectionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordConnectionError records a failed proxied connection
func RecordConnectionError(backend, errorType string) {
	connectionErrors.WithLabelValues(backend, errorType).Inc()
}

// SetBackendConnectionsActive sets the active connections gauge
func SetBackendConnectionsActive(backend string, count int64) {
	backendConnectionsActive.WithLabelValues(backend).Set(float64(count))
}

// SetBackendAlive sets the backend health gauge
func SetBackendAlive(backend string, alive bool) {
	status := 0.0
	if alive {
		status = 1.0
	}
	backendAlive.WithLabelValues(backend).Set(status)
}

// SetBackendAvgLatency sets the mean latency gauge
func SetBackendAvgLatency(backend string, ms float64) {
	backendAvgLatency.WithLabelValues(backend).Set(ms)
}

// IncPickFailures increments the no-healthy-backend counter
func IncPickFailures() {
	pickFailures.Inc()
}

// IncAcceptsPaused increments the connection-cap pause counter
func IncAcceptsPaused() {
	acceptsPaused.Inc()
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
