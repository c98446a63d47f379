// Package server is the HTTP listener: REST tool endpoints, the JSON-RPC
// /mcp endpoint, webhook administration, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/healing"
	"github.com/tjfontaine/erp-mcp-gateway/internal/mcp"
	"github.com/tjfontaine/erp-mcp-gateway/internal/webhook"
)

// Config holds listener settings.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	// CORSOrigins defaults to every origin.
	CORSOrigins []string
}

// HealthSource reports gateway health.
type HealthSource interface {
	Status() healing.Status
}

// Deps are the components the listener routes to. Health, Webhooks and
// Metrics are optional; their routes are omitted when nil.
type Deps struct {
	Pipeline   mcp.Pipeline
	Dispatcher *mcp.Dispatcher
	Health     HealthSource
	Webhooks   *webhook.Service
	// Auth guards the webhook admin routes. Nil leaves them open.
	Auth    ports.AuthProvider
	Metrics prometheus.Gatherer
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	deps   Deps
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router: chi.NewRouter(),
		Port:   cfg.Port,
		logger: logger,
		deps:   deps,
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", APIKeyHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, "x-ratelimit-limit-requests", "x-ratelimit-remaining-requests", "x-ratelimit-reset-requests"},
		MaxAge:         300,
	}))
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "erp-gateway")
	})

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(cfg.RequestTimeout))
		r.Use(CredentialsMiddleware)
		r.Use(RateLimitHeadersMiddleware)

		r.Get("/tools", s.handleListTools)
		r.Post("/tools/call", s.handleCallTool)
		r.Post("/mcp", s.handleMCP)

		if deps.Webhooks != nil {
			r.Route("/webhooks", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/", s.handleSubscribe)
				r.Get("/", s.handleListSubscriptions)
				r.Get("/{id}", s.handleGetSubscription)
				r.Delete("/{id}", s.handleUnsubscribe)
				r.Get("/{id}/deliveries", s.handleListDeliveries)
			})
		}
	})

	return s
}

// Serve listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
