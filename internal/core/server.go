// Package core provides the API chassis for the Route Ready service.
// It creates the chi router and enforces cross-cutting concerns (security,
// logging, observability, identity resolution, error handling) before
// requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"routeready/internal/config"
	"routeready/internal/types"
)

// MetricsCollector defines the interface for recording API telemetry.
// Implementations record request latency and count metrics to CloudWatch
// or equivalent backends.
type MetricsCollector interface {
	// RecordRequest records API request metrics including latency and count.
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// Authenticator resolves opaque session tokens to account identities.
// Implementations perform a live lookup on every request so revoked or
// expired sessions take effect immediately.
type Authenticator interface {
	// ResolveSession resolves a session token to the account identity it
	// belongs to. Returns an AppError with an auth_* code on failure.
	ResolveSession(ctx context.Context, token string) (*types.Identity, error)
}

// Server encapsulates all dependencies for the Route Ready API, allowing
// easy injection during testing and distinct configuration per environment.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator

	// HealthProbes are checked concurrently by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars register domain handler routes under /v1. Populated
	// by the application entry point; the indirection avoids import cycles
	// between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	// WebhookRouteRegistrars register provider callback routes under
	// /webhooks. These routes skip identity resolution; provider requests
	// carry their own signatures.
	WebhookRouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller is responsible for mounting routes
// (via MountRoutes) after construction; the separation allows tests to
// customize route registration.
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

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server resources. Connection
// pools are owned by the entry point and closed there; Shutdown exists so
// the chassis can flush anything it owns and log the lifecycle transition.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	s.Logger.Info("server shutdown complete")
	return nil
}
