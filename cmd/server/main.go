package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/DukeRupert/riskquota/internal"
	"github.com/DukeRupert/riskquota/internal/domain"
	"github.com/DukeRupert/riskquota/internal/handler"
	"github.com/DukeRupert/riskquota/internal/jobs"
	"github.com/DukeRupert/riskquota/internal/metrics"
	"github.com/DukeRupert/riskquota/internal/middleware"
	"github.com/DukeRupert/riskquota/internal/upstream"
	"github.com/DukeRupert/riskquota/internal/worker"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Open the ledger and build the services
	app, err := internal.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	logger.Info("Tier catalog loaded", "tiers", len(app.Catalog.Ordered()), "store", cfg.StoreProvider)

	// Upstream risk API
	proxy, err := upstream.NewProxy(cfg.UpstreamURL, cfg.UpstreamTimeout, logger)
	if err != nil {
		return fmt.Errorf("upstream initialization failed: %w", err)
	}

	// Initialize middleware
	isSecure := cfg.Env != "development"
	identity := middleware.NewIdentityMiddleware(cfg.AuthJWTSecret, logger)
	enforcer := middleware.NewEnforcementMiddleware(app.Quota, app.Trials, app.Catalog, middleware.EnforcementConfig{
		EnforcePaidQuotas: cfg.EnforcePaidQuotas,
		UsageWriteTimeout: cfg.UsageWriteTimeout,
		UpgradeURL:        cfg.UpgradeURL,
		ContactSalesURL:   cfg.ContactSalesURL,
	}, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	defer limiter.Stop()
	rateLimit := middleware.NewRateLimitMiddleware(limiter, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.Handle("GET /health", handler.NewHealthHandler(app.Store, logger))

	// Metrics endpoint (optionally protected by basic auth)
	metricsAuth := middleware.NewBasicAuthMiddleware("metrics", cfg.MetricsUsername, cfg.MetricsPassword)
	if metricsAuth.Enabled() {
		mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Metered gateway routes
	gateway := middleware.Stack(identity.WithIdentity, rateLimit.Limit)
	routes := []struct {
		pattern string
		route   middleware.Route
	}{
		{"POST /api/risk-assessment", middleware.Route{Endpoint: domain.EndpointRiskAssessment}},
		{"GET /api/geocode", middleware.Route{Endpoint: domain.EndpointGeocode}},
		{"POST /api/bulk", middleware.Route{
			Endpoint: domain.EndpointBulkProcessing,
			Feature:  domain.FeatureBulkProcessing,
			Batch:    true,
		}},
		{"GET /api/reports/{id}/export", middleware.Route{
			Endpoint: domain.EndpointReportExport,
			Feature:  domain.FeaturePDFExport,
		}},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, gateway(enforcer.Enforce(rt.route)(proxy)))
	}

	// Usage and trial status
	requireIdentity := middleware.Stack(identity.WithIdentity, identity.RequireIdentity)
	handler.NewUsageHandler(app.Quota, app.Trials, logger).RegisterRoutes(mux, requireIdentity)

	// Registration service callbacks
	handler.NewInternalHandler(app.Trials, logger).
		RegisterRoutes(mux, middleware.RequireInternalToken(cfg.InternalAPIToken, logger))

	// Admin routes
	if cfg.AdminEnabled() {
		adminAuth := middleware.NewBasicAuthMiddleware("admin", cfg.AdminUsername, cfg.AdminPassword)
		handler.NewAdminHandler(app.Abuse, app.Trials, app.Quota, logger).RegisterRoutes(mux, adminAuth.Handler)
		logger.Info("Admin routes enabled")
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", middleware.HeaderBatchSize},
		ExposedHeaders:   exposedHeaders,
		AllowCredentials: true,
	})

	requestLogger := middleware.NewRequestLoggingMiddleware(logger)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(isSecure)
	root := middleware.Stack(
		metrics.Middleware,
		securityHeaders.Handler,
		requestLogger.Handler,
		corsHandler.Handler,
	)(mux)

	// ==========================================================================
	// Start background worker
	// ==========================================================================

	var w *worker.Worker
	if cfg.WorkerEnabled {
		wcfg := worker.DefaultConfig()
		wcfg.PollInterval = cfg.WorkerPollInterval
		wcfg.JobTimeout = cfg.WorkerJobTimeout

		w, err = worker.New(wcfg, logger)
		if err != nil {
			return fmt.Errorf("worker initialization failed: %w", err)
		}
		w.Register(jobs.NewExpireTrialsHandler(app.Trials, 0, logger))
		w.Register(jobs.NewResetPeriodsHandler(app.Quota, time.Hour, logger))
		if cfg.ArchiveEnabled {
			w.Register(jobs.NewArchiveUsageHandler(app.Archiver, 24*time.Hour, logger))
		}
		w.Start(ctx)
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "upstream", cfg.UpstreamURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if w != nil {
		w.Stop()
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// exposedHeaders lets the frontend read the trial and quota counters.
var exposedHeaders = []string{
	middleware.HeaderTrialReportsUsed,
	middleware.HeaderTrialReportsRemaining,
	middleware.HeaderTrialStatus,
	middleware.HeaderQuotaLimit,
	middleware.HeaderQuotaRemaining,
	"Retry-After",
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
