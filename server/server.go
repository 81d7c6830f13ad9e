// Package server runs the status server of scheduled mode: /health and
// /metrics, with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/julichbrain/atlas-export/config"
	"github.com/julichbrain/atlas-export/handlers"
	"github.com/julichbrain/atlas-export/interfaces"
	"github.com/julichbrain/atlas-export/logging"
	"github.com/julichbrain/atlas-export/metrics"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	router   chi.Router
	runStore interfaces.RunStore
	checker  interfaces.HealthChecker
	config   *config.Config
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, runStore interfaces.RunStore, checker interfaces.HealthChecker) *Server {
	router := chi.NewRouter()

	server := &Server{
		server: &http.Server{
			Handler:           router,
			Addr:              cfg.Address + ":" + cfg.Port,
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		router:   router,
		runStore: runStore,
		checker:  checker,
		config:   cfg,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(logging.LoggingMiddleware(logging.Logger()))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Metrics)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", handlers.HealthCheck(s.checker, s.runStore))
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

// Handler exposes the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the server; it blocks until the server stops
func (s *Server) Start() error {
	logging.Info(fmt.Sprintf("Starting status server at: %s:%s", s.config.Address, s.config.Port))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down status server...")

	if err := s.server.Shutdown(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
		if err := s.server.Close(); err != nil {
			logging.Error("Server close error", "error", err)
			return err
		}
	}

	logging.Info("Status server shutdown complete")
	return nil
}
