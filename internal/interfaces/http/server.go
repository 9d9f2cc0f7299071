// Package http is the read-mostly ops surface: health, Prometheus
// metrics, live positions and the daily-limit counters. It binds to
// localhost by default and exposes exactly one mutating route, the
// limits reset.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/metrics"
	"github.com/niftyninja9/autosentry/internal/positions"
	"github.com/niftyninja9/autosentry/internal/risk"
)

// LimitsStore is the slice of DailyLimits the server reads and resets.
type LimitsStore interface {
	Snapshot(ctx context.Context, indexKey string) (limits.Counters, error)
	ResetDailyCounters(ctx context.Context, indexKey string) error
}

// FeedStatus is the slice of the feed hub the health endpoint reports.
type FeedStatus interface {
	IsRunning() bool
	IsConnected() bool
}

// LoopStats is the slice of the risk manager the health endpoint reports.
type LoopStats interface {
	Stats() risk.LoopStats
}

// Deps wires the server's read sources. Any nil dependency leaves its
// section out of the responses.
type Deps struct {
	Config  config.HTTPConfig
	Metrics *metrics.Registry
	Active  *positions.ActiveCache
	Limits  LimitsStore
	Feed    FeedStatus
	Loop    LoopStats
	Indices []config.IndexConfig

	// Version is stamped into /health.
	Version string
}

// Server is the ops HTTP server.
type Server struct {
	deps    Deps
	router  *mux.Router
	server  *http.Server
	started time.Time
}

// NewServer builds the server and its routes.
func NewServer(deps Deps) *Server {
	if deps.Config.Addr == "" {
		deps.Config.Addr = "127.0.0.1:8787"
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()
	s.server = &http.Server{
		Addr:         deps.Config.Addr,
		Handler:      s.router,
		ReadTimeout:  deps.Config.ReadTimeout,
		WriteTimeout: deps.Config.WriteTimeout,
	}
	return s
}

// Name identifies the server in supervisor logs.
func (s *Server) Name() string { return "ops-http" }

// Start binds the listener synchronously so wiring errors surface at
// startup, then serves in the background.
func (s *Server) Start(context.Context) error {
	listener, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("ops server listen on %s: %w", s.deps.Config.Addr, err)
	}
	s.started = time.Now()
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ops server failed")
		}
	}()
	log.Info().Str("addr", s.deps.Config.Addr).Msg("Ops server listening")
	return nil
}

// Stop drains in-flight requests within ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.deps.Config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.Config.ShutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for httptest.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/limits", s.handleLimits).Methods("GET")
	s.router.HandleFunc("/limits/reset", s.handleLimitsReset).Methods("POST")
	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("Ops request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
