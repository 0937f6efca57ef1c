// Package server exposes the plan builder, sanitizer and verifier over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/piiswap/internal/config"
	"github.com/raaihank/piiswap/internal/logger"
	"github.com/raaihank/piiswap/internal/mapping"
	"github.com/raaihank/piiswap/internal/pipeline"
	"github.com/raaihank/piiswap/internal/planner"
	"github.com/raaihank/piiswap/internal/pool"
	"github.com/raaihank/piiswap/internal/web"
	"github.com/raaihank/piiswap/internal/websocket"
)

// Version is reported by /info
var Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	builder *planner.Builder
	store   mapping.Store
	pool    *pool.Pool
	limiter *ClientLimiter
	router  *mux.Router
	api     *mux.Router
	server  *http.Server
	wsHub   *websocket.Hub

	runner *pipeline.Pipeline
	runMu  sync.Mutex
}

// New creates a new server instance. hub may be nil when live events are
// disabled.
func New(
	cfg *config.Config,
	log *logger.Logger,
	builder *planner.Builder,
	store mapping.Store,
	p *pool.Pool,
	hub *websocket.Hub,
) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		builder: builder,
		store:   store,
		pool:    p,
		router:  mux.NewRouter(),
		wsHub:   hub,
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = NewClientLimiter(cfg.Server.RateLimit.RequestsPerSec, cfg.Server.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")

	if s.wsHub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods("GET")
		dashboard := web.Dashboard(s.config.WebSocket.Path)
		s.router.HandleFunc("/", dashboard).Methods("GET")
		s.router.HandleFunc("/dashboard", dashboard).Methods("GET")
	}

	s.api = s.router.PathPrefix("/v1").Subrouter()
	s.api.Use(s.loggingMiddleware)
	s.api.Use(s.rateLimitMiddleware)
	s.api.HandleFunc("/pages/{page}/sanitize", s.handleSanitize).Methods("POST")
	s.api.HandleFunc("/pages/{page}/plan", s.handlePlan).Methods("GET")
	s.api.HandleFunc("/mapping", s.handleMapping).Methods("GET")
}

// WithPipeline enables POST /v1/runs, which runs p over the output directory.
// Page and run events reach the hub when p's sink is the hub.
func (s *Server) WithPipeline(p *pipeline.Pipeline) *Server {
	s.runner = p
	s.api.HandleFunc("/runs", s.handleRun).Methods("POST")
	return s
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting piiswap API server",
		zap.Int("port", s.config.Server.Port),
		zap.String("store_backend", s.config.Store.Backend),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("websocket", s.wsHub != nil && s.config.WebSocket.Enabled),
		zap.Bool("runs", s.runner != nil),
	)

	if s.limiter != nil {
		go s.limiter.RunCleanup(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.WriteTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping piiswap API server")
	return s.server.Shutdown(ctx)
}
