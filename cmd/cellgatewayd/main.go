// Package main is the entry point for the cell gateway daemon. It loads
// configuration, builds the cell-call client, assembles the middleware stack,
// starts the HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cellmesh/cell-gateway/internal/admin"
	"github.com/cellmesh/cell-gateway/internal/config"
	"github.com/cellmesh/cell-gateway/internal/forwarder"
	"github.com/cellmesh/cell-gateway/internal/health"
	"github.com/cellmesh/cell-gateway/internal/metrics"
	"github.com/cellmesh/cell-gateway/internal/middleware"
	"github.com/cellmesh/cell-gateway/pkg/breaker"
	"github.com/cellmesh/cell-gateway/pkg/cellclient"
)

func main() {
	configPath := flag.String("config", "configs/cellgatewayd.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"base_url", cfg.Gateway.BaseURL,
		"retries", cfg.Gateway.MaxRetries(),
		"strict_validation", cfg.Validation.IsStrict(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	client, err := cellclient.New(clientConfig(cfg, logger))
	if err != nil {
		logger.Error("failed to create cell client", "error", err)
		os.Exit(1)
	}

	// Assemble middleware stack: Recovery → RequestID → Logging → Forwarder
	fwdMux := http.NewServeMux()
	forwarder.New(client, logger).RegisterRoutes(fwdMux)

	var handler http.Handler = fwdMux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the middleware stack.
	mux := http.NewServeMux()
	health.New(client.Snapshot).RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		client.SetStrictValidation(newCfg.Validation.IsStrict())
		client.SetRateLimit(cellclient.RateLimitSettings{
			RequestsPerSecond: newCfg.RateLimit.RequestsPerSecond,
			Burst:             newCfg.RateLimit.BurstSize,
		})
		client.SetBreakerSettings(breaker.Settings{
			FailureThreshold: newCfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     newCfg.CircuitBreaker.ResetTimeout,
			SuccessThreshold: newCfg.CircuitBreaker.SuccessThreshold,
		})
	})

	if cfg.Admin.Enabled {
		admin.New(reloader, client, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/live" ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting cell gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("cell gateway stopped gracefully")
}

// newLogger builds the daemon logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}

// clientConfig converts the daemon configuration into client settings.
func clientConfig(cfg *config.Config, logger *slog.Logger) cellclient.Config {
	cc := cellclient.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: cfg.Gateway.Timeout(),
		Retries: cfg.Gateway.Retries,
		Breaker: breaker.Settings{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		},
		StrictValidation: cfg.Validation.IsStrict(),
		RateLimit: cellclient.RateLimitSettings{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.BurstSize,
		},
		CapabilityCacheSize: cfg.Capabilities.CacheSize,
		CapabilityCacheTTL:  cfg.Capabilities.CacheTTL,
		Logger:              logger,
	}
	if cfg.Auth.Enabled {
		cc.ServiceAuth = &cellclient.ServiceAuthSettings{
			Secret:      cfg.Auth.JWTSecret,
			Issuer:      cfg.Auth.Issuer,
			Audience:    cfg.Auth.Audience,
			ServiceName: cfg.Auth.ServiceName,
			TokenTTL:    cfg.Auth.TokenTTL,
		}
	}
	return cc
}
