// Package server sets up the HTTP server, router, and all route definitions.
//
// Routes:
//
//	POST /execute            queue an execution (202)
//	GET  /executions/{id}    lifecycle record of one execution
//	GET  /languages          supported language profiles
//	GET  /health             liveness
//	GET  /metrics            Prometheus
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/sandbox-executor/internal/handler"
	"github.com/sakif/sandbox-executor/internal/middleware"
)

// Config holds server configuration.
type Config struct {
	Port int
	// RateLimitRPS bounds POST /execute. Zero disables the limit.
	RateLimitRPS float64
	// ShutdownTimeout is how long in-flight requests and executions get to
	// finish after a shutdown signal.
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:            8080,
		RateLimitRPS:    10,
		ShutdownTimeout: 60 * time.Second,
	}
}

// ExecutionService is what the server needs from service.ExecutionService:
// the handler surface plus a way to drain it on shutdown.
type ExecutionService interface {
	handler.ExecutionService
	Stop(ctx context.Context) error
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router *chi.Mux
	config Config
	logger *slog.Logger
	svc    ExecutionService
}

// New creates a new Server with the given config. The caller owns the
// service's dependencies (runner, database) and closes them after Start returns.
func New(cfg Config, logger *slog.Logger, svc ExecutionService) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("server: invalid port %d", cfg.Port)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		svc:    svc,
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Middleware order matters: the request id must exist before the logger runs,
// and Recoverer must wrap the handlers.
func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	executeHandler := handler.NewExecuteHandler(s.svc, s.logger)

	s.router.With(middleware.RateLimit(s.config.RateLimitRPS)).Post("/execute", executeHandler.HandleExecute)
	s.router.Get("/executions/{id}", executeHandler.HandleGet)
	s.router.Get("/languages", executeHandler.HandleLanguages)
	s.router.Get("/health", handler.HandleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is cancelled. Shutdown stops accepting connections,
// waits for in-flight requests, then drains the execution service, all
// within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.Int("port", s.config.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			// Nothing was accepted, but workers may be running already.
			s.stopService()
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("graceful shutdown failed: %w", err))
	}
	if err := s.svc.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("draining executions: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

func (s *Server) stopService() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.svc.Stop(ctx); err != nil {
		s.logger.Error("failed to drain executions", slog.String("error", err.Error()))
	}
}
