package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"routeready/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts when
// the configuration does not specify one.
const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials or session tokens.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
}

// MountRoutes defines the top-level routing hierarchy: the global middleware
// chain, the /v1 API group, the /webhooks group, and the health check.
func (s *Server) MountRoutes() {
	// Global middleware registration (strict order matters).
	s.registerGlobalMiddleware()

	// Versioned API routes run behind identity resolution.
	s.router.Group(func(r chi.Router) {
		r.Use(s.IdentityMiddleware)
		r.Route("/v1", s.mountV1)
	})

	// Provider callbacks authenticate via signatures, not sessions, so they
	// are mounted outside the identity middleware.
	s.router.Route("/webhooks", func(r chi.Router) {
		for _, registrar := range s.WebhookRouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost to catch all failures.
//  2. ContextTimeout  - Sets a soft deadline so hung upstreams cannot pin requests.
//  3. RequestID       - Generates/propagates correlation ID for tracing.
//  4. SecurityHeaders - Ensures all responses include security headers.
//  5. RequestLogger   - Structured logging (redacted headers).
//  6. CORS            - Browser security headers and preflight handling.
//  7. Metrics         - Request latency and count recording.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

// mountV1 registers all v1 endpoints via the registrars populated by main.
func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

// requestTimeout returns the configured request timeout with a safe default.
func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

// corsAllowedOrigins returns the CORS allowed origins from configuration.
func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context. Downstream
// handlers receive a cancelled context when the deadline passes; the response
// is controlled by the handler's behavior on cancellation.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs. If the incoming request contains an X-Request-Id
// header, that value is reused; otherwise a new random ID is generated.
//
// The request ID is stored in the context via types.WithRequestID and set as
// the X-Request-Id response header for client correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID produces a cryptographically random hex string suitable
// for use as a request correlation ID: 16 random bytes as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; keep a
		// non-empty ID so correlation still works.
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
