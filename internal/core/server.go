// Package core provides the HTTP chassis for the onboarding bot. It builds a
// chi router with the cross-cutting middleware (panic recovery, request IDs,
// structured request logs, bearer authentication) and exposes registrar hooks
// so handler packages can mount routes without an import cycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"bagbot/internal/config"
)

// RouteRegistrar mounts routes on a router group.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the HTTP surface.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// V1RouteRegistrars mount bearer-authenticated routes under /v1.
	V1RouteRegistrars []RouteRegistrar
	// PublicRouteRegistrars mount routes at the top level without bearer
	// authentication. Handlers there verify requests themselves.
	PublicRouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer prepares a server for route mounting. Callers set registrars and
// then call MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves on the configured port until ctx is done, then shuts
// the listener down within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.Config.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.Logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	timeout := s.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.Logger.Info("HTTP server shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
