// Package metrics provides Prometheus instrumentation for the
// investment core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by plan.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinvest_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"plan"})

	// PositionsSettled counts completed settlements.
	PositionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinvest_positions_settled_total",
		Help: "Total positions settled",
	})

	// PositionsCancelled counts cancelled positions.
	PositionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinvest_positions_cancelled_total",
		Help: "Total positions cancelled",
	})

	// ActivePositions tracks the number of currently active positions,
	// updated after each sweep.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinvest_active_positions",
		Help: "Number of currently active positions",
	})

	// SweepsTotal counts scheduler sweeps.
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinvest_sweeps_total",
		Help: "Total scheduler sweeps",
	})

	// SweepErrors counts per-position errors during sweeps.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinvest_sweep_errors_total",
		Help: "Per-position errors during sweeps",
	})

	// SweepDuration tracks how long a full sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinvest_sweep_duration_seconds",
		Help:    "Duration of a full sweep in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DepositsIngested counts deposit events consumed from NATS.
	DepositsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinvest_deposits_ingested_total",
		Help: "Deposit events ingested",
	}, []string{"status"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinvest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coinvest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
