// Package http provides the HTTP server and routing for camproxy.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"camproxy/internal/config"
	"camproxy/internal/http/handlers"
	"camproxy/internal/http/middleware"
)

// Routes carries the endpoint implementations the server mounts.
type Routes struct {
	Stream *handlers.StreamHandler
	Config *handlers.ConfigHandler
	Health *handlers.HealthHandler
	// Broker handles the WebSocket upgrade at /api.
	Broker http.Handler
	// WebRoot is served for unmatched paths; empty disables static serving.
	WebRoot string
}

// Server is the HTTP server wrapping the chi router.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the server with the standard middleware chain and
// mounts the given routes.
func NewServer(cfg config.ServerConfig, logger *slog.Logger, routes Routes) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())

	router.Get("/health", routes.Health.Get)
	router.Get("/config", routes.Config.Get)
	router.Post("/config", routes.Config.Post)
	if routes.Broker != nil {
		router.Get("/api", routes.Broker.ServeHTTP)
	}
	router.Get("/{serial}.mp4", routes.Stream.ServeStream)
	if routes.WebRoot != "" {
		router.NotFound(handlers.Static(routes.WebRoot))
	}

	return &Server{
		config: cfg,
		router: router,
		logger: logger.With(slog.String("component", "http")),
	}
}

// Router returns the underlying router, used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.config.Address(),
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
		// WriteTimeout stays zero: live streams and WebSocket sessions are
		// open-ended responses.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", s.config.Address()))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down http server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
