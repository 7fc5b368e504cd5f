// Package main is the entry point for the Route Ready API server.
//
// It loads configuration, connects the Postgres pool and the Valkey anonymous
// usage store, wires the domain services (entitlement gate, auth, distance
// oracle, Stripe billing) into the HTTP chassis, and serves until a shutdown
// signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"routeready/internal/api/handlers"
	"routeready/internal/auth"
	"routeready/internal/billing"
	"routeready/internal/cache"
	"routeready/internal/config"
	"routeready/internal/core"
	"routeready/internal/db"
	"routeready/internal/entitlement"
	"routeready/internal/external"
	"routeready/internal/metrics"
	"routeready/internal/routing"
	"routeready/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("routeready API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Postgres: accounts, profiles, sessions, security events, audit trail.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	users := db.NewUserRepository(pool)
	profiles := db.NewProfileRepository(pool)
	sessions := db.NewSessionRepository(pool)
	security := db.NewSecurityRepository(pool)
	audit := db.NewAuditRepository(pool)

	probes := []core.HealthProbe{db.Probe{Pool: pool}}

	// Anonymous usage counters: Valkey when configured, in-process otherwise.
	// The in-process fallback is only correct for a single instance.
	var anonStore entitlement.Store
	if cfg.Cache.Address != "" {
		valkeyStore, err := cache.NewAnonStore(cfg.Cache.Address, cfg.Cache.Password, cfg.Cache.AnonTTL)
		if err != nil {
			return fmt.Errorf("connecting to valkey: %w", err)
		}
		defer valkeyStore.Close()
		anonStore = valkeyStore
		probes = append(probes, cache.Probe{Store: valkeyStore})
	} else {
		logger.Warn("VALKEY_ADDR not set; anonymous usage tracking is in-process only")
		anonStore = entitlement.NewMemoryStore()
	}

	gate := entitlement.NewGate(anonStore, profiles, logger)
	authService := auth.NewService(users, profiles, sessions, security, cfg.Auth, cfg.Security, logger)

	oracle := routing.NewDirectionsClient(
		&http.Client{Timeout: cfg.Maps.Timeout},
		routing.DirectionsConfig{APIKey: cfg.Maps.APIKey, Logger: logger},
	)
	stripeClient := billing.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.Timeout},
		billing.StripeConfig{
			SecretKey:    cfg.Billing.StripeSecretKey,
			DashboardURL: cfg.Server.DashboardURL,
			Logger:       logger,
		},
	)

	collector, closeMetrics, err := newMetricsCollector(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer closeMetrics()

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = collector
	srv.Authenticator = authService
	srv.HealthProbes = probes

	travelHandler := handlers.NewTravelHandler(gate, oracle, srv.Validator, logger)
	authHandler := handlers.NewAuthHandler(authService, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, gate, audit, srv.Validator, logger)
	adminHandler := handlers.NewAdminHandler(audit, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{}, gate, audit, cfg.Billing.StripeWebhookSecret, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		travelHandler.RegisterRoutes,
		func(r chi.Router) { authHandler.RegisterRoutes(r, srv.RequireAccount) },
		func(r chi.Router) { billingHandler.RegisterRoutes(r, srv.RequireAccount) },
		func(r chi.Router) { adminHandler.RegisterRoutes(r, srv.RequireRole(types.RoleAdmin)) },
	)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()

	return serve(srv, cfg, logger, sessions)
}

// newMetricsCollector returns the CloudWatch collector when metrics are
// enabled, a no-op otherwise. The returned func flushes and stops the
// collector.
func newMetricsCollector(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.MetricsCollector, func(), error) {
	if !cfg.Observability.EnableMetrics {
		return metrics.Noop{}, func() {}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.AWSRegion))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	collector := metrics.NewCloudWatchCollector(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Observability.MetricNamespace,
		logger,
	)
	return collector, collector.Close, nil
}

// sessionSweepInterval is how often expired sessions are purged.
const sessionSweepInterval = 1 * time.Hour

// serve runs the HTTP server and the session janitor until a shutdown signal
// arrives or either fails.
func serve(srv *core.Server, cfg *config.Config, logger *slog.Logger, sessions *db.SessionRepository) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweepExpiredSessions(gctx, sessions, cfg.Auth.SessionIdleTimeout, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// sweepExpiredSessions periodically deletes expired and idle sessions so the
// sessions table does not grow without bound. Runs until ctx is cancelled.
func sweepExpiredSessions(ctx context.Context, sessions *db.SessionRepository, idleTimeout time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := sessions.DeleteExpired(ctx, idleTimeout)
			if err != nil {
				logger.Warn("session sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("expired sessions removed", "count", deleted)
			}
		}
	}
}

// newLogger creates a structured JSON logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
