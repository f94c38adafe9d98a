package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-ledger/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	Handler *Handler
	Hub     *WSHub // optional
	Logger  *slog.Logger
	// RateLimit and Burst bound API requests per second across all
	// clients; zero disables limiting.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// NewRouter builds the service's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Timeout))
			r.Use(RateLimit(cfg.RateLimit, cfg.Burst, logger))

			h := cfg.Handler
			r.Post("/batches/trades", h.PostTrades)
			r.Post("/batches/quotes", h.PostQuotes)
			r.Post("/roll", h.PostRoll)
			r.Post("/finalize", h.PostFinalize)

			r.Get("/snapshots", h.GetSnapshots)
			r.Get("/matches", h.GetMatches)
			r.Get("/lots", h.GetLots)
			r.Get("/mark/{symbol}", h.GetMark)

			r.Get("/halted", h.GetHalted)
			r.Post("/halted/{method}/{symbol}/resume", h.PostResume)
			r.Post("/verify", h.PostVerify)
		})
	})
	return r
}

// RateLimit rejects requests beyond rps (with the given burst) with 429.
// A non-positive rps disables the limiter.
func RateLimit(rps float64, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded", "path", r.URL.Path)
				writeError(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
