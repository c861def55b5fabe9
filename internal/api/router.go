// Package api exposes the HTTP surface: plans, positions, wallet,
// ledger, and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"coinvest/internal/domain"
	"coinvest/internal/engine"
	"coinvest/internal/metrics"
	"coinvest/internal/pricefeed"
	"coinvest/internal/store"
)

// Sweeper triggers an immediate sweep of active positions.
type Sweeper interface {
	RunOnce(ctx context.Context)
}

// Server holds the HTTP server dependencies.
type Server struct {
	store   store.Store
	engine  *engine.Engine
	feed    *pricefeed.Feed
	sweeper Sweeper
	nc      *nats.Conn
}

// NewServer creates a new API server. nc and sweeper may be nil; the
// corresponding endpoints degrade gracefully.
func NewServer(st store.Store, eng *engine.Engine, feed *pricefeed.Feed, sweeper Sweeper, nc *nats.Conn) *Server {
	return &Server{store: st, engine: eng, feed: feed, sweeper: sweeper, nc: nc}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/plans", s.handleListPlans)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/positions", s.handleOpenPosition)
			r.Get("/positions", s.handleListPositions)
			r.Post("/positions/{positionID}/cancel", s.handleCancelPosition)

			r.Get("/wallet", s.handleGetWallet)
			r.Post("/wallet/deposits", s.handleDeposit)
			r.Post("/wallet/withdrawals", s.handleWithdraw)

			r.Get("/ledger", s.handleListLedger)
		})

		r.Post("/sweep/trigger", s.handleTriggerSweep)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. Unknown
// errors become opaque 500s so internals never leak.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err), domain.IsInsufficientFunds(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
