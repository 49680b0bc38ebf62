package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/health"
	middleware "github.com/mohammed-shakir/terrain-tile-loader/internal/core/middleware"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/core/router"
	"github.com/mohammed-shakir/terrain-tile-loader/internal/telemetry"
)

type Routes struct {
	API   *router.API
	Ready map[string]health.Check
	// Metrics is mounted at MetricsPath when set; leave nil when metrics
	// are served on their own listener.
	Metrics     http.Handler
	MetricsPath string
	Tracing     bool
}

// NewHandler builds the chi router with the middleware chain.
func NewHandler(logger *slog.Logger, rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	if rt.Tracing {
		r.Use(telemetry.Middleware)
	}
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, rt.Ready))
	if rt.Metrics != nil {
		path := rt.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, rt.Metrics)
	}
	if rt.API != nil {
		rt.API.Mount(r)
	}
	return r
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func Run(ctx context.Context, addr string, shutdownTimeout time.Duration, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
}
