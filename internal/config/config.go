// Package config defines the global configuration structure for the Route Ready
// service. Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"routeready/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the Route Ready service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"routeready-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Maps          MapsConfig
	Billing       BillingConfig
	Auth          AuthConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for redirects (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.routeready.io
	DashboardURL   string `envconfig:"DASHBOARD_URL" validate:"required,url"`    // e.g., https://app.routeready.io

	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// CacheConfig holds Valkey connection settings for the anonymous usage store.
// When Address is empty the service falls back to an in-process store, which
// is acceptable for single-instance local development only.
type CacheConfig struct {
	Address  string        `envconfig:"VALKEY_ADDR"` // e.g., localhost:6379
	Password SecretString  `envconfig:"VALKEY_PASSWORD"`
	AnonTTL  time.Duration `envconfig:"ANON_USAGE_TTL" default:"24h"`
}

// MapsConfig holds the distance oracle (Google Maps Directions) credentials
// and tuning.
type MapsConfig struct {
	APIKey  SecretString  `envconfig:"GOOGLE_MAPS_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"MAPS_TIMEOUT" default:"20s"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	Timeout             time.Duration `envconfig:"STRIPE_TIMEOUT" default:"20s"`
}

// AuthConfig holds session management tuning.
type AuthConfig struct {
	SessionTTL         time.Duration `envconfig:"SESSION_TTL" default:"720h"` // 30 days
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"168h"`
	BcryptCost         int           `envconfig:"BCRYPT_COST" default:"12" validate:"min=10,max=15"`
}

// SecurityConfig holds brute-force lockout thresholds and CORS settings.
type SecurityConfig struct {
	MaxFailedLogins    int           `envconfig:"MAX_FAILED_LOGINS" default:"5"`
	LockoutWindow      time.Duration `envconfig:"LOCKOUT_WINDOW" default:"15m"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"RouteReady"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
