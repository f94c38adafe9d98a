// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesApplied counts trades applied to the lot ledger, by method.
	TradesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_trades_applied_total",
		Help: "Trades applied to the lot ledger",
	}, []string{"method"})

	// RealizedMatches counts realized match rows written, by method.
	RealizedMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_realized_matches_total",
		Help: "Realized match rows written",
	}, []string{"method"})

	// Batches counts ingested batches by kind and outcome
	// (applied, duplicate, rejected).
	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_batches_total",
		Help: "Input batches by kind and outcome",
	}, []string{"kind", "outcome"})

	// BatchLatency tracks whole-batch transaction latency.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_batch_latency_seconds",
		Help:    "Batch transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// BatchRetries counts transient store failures retried at batch level.
	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_batch_retries_total",
		Help: "Batch transactions retried after a transient store error",
	})

	// MultiplierFallbacks counts lookups that fell back to the default
	// contract multiplier.
	MultiplierFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_multiplier_fallback_total",
		Help: "Contract multiplier lookups that used the default",
	})

	// InvariantViolations counts fatal ledger errors by method.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_invariant_violations_total",
		Help: "Invariant violations detected",
	}, []string{"method"})

	// HaltedPairs tracks method/symbol pairs halted after a violation.
	HaltedPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_halted_pairs",
		Help: "Method/symbol pairs halted after an invariant violation",
	})

	// DayRolls counts day-boundary rolls by outcome.
	DayRolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_day_rolls_total",
		Help: "Day-boundary roll requests by outcome",
	}, []string{"outcome"})

	// SnapshotsFinalized counts snapshot rows finalized.
	SnapshotsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_snapshots_finalized_total",
		Help: "Daily position snapshot rows finalized",
	})

	// CacheRequests counts read-through cache lookups by result (hit, miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_requests_total",
		Help: "Read-through cache lookups",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
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
