// Package main is the entry point for the llmsched server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/llmsched"
	"github.com/blueberrycongee/llmsched/internal/api"
	"github.com/blueberrycongee/llmsched/internal/config"
	"github.com/blueberrycongee/llmsched/internal/metacache/redisstore"
	"github.com/blueberrycongee/llmsched/internal/metrics"
	"github.com/blueberrycongee/llmsched/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("llmsched server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Bootstrap logger until the config is read
	logger := observability.NewLogger(observability.LoggerConfig{Level: slog.LevelInfo, JSONFormat: true}, nil)

	cfgManager, err := config.NewManager(configPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()

	redactor := observability.NewRedactor()
	logger = observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	}, redactor)
	slog.SetDefault(logger)

	logger.Info("starting llmsched server", "version", llmsched.Version, "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	secrets, err := newSecretManager(cfg.Secrets, logger)
	if err != nil {
		return err
	}
	defer func() { _ = secrets.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var sharedModels *redisstore.Store
	if cfg.Scheduler.SharedModelCache != nil {
		sharedModels, err = redisstore.New(*cfg.Scheduler.SharedModelCache)
		if err != nil {
			return fmt.Errorf("connect shared model cache: %w", err)
		}
		defer func() { _ = sharedModels.Close() }()
		logger.Info("shared model cache enabled")
	}

	deps := schedulerDeps{
		logger:   logger,
		redactor: redactor,
		secrets:  secrets,
		registry: registry,
		tracer:   tracing.Tracer(),
	}
	if sharedModels != nil {
		deps.models = sharedModels
	}

	build := func(c *config.Config) (api.Scheduler, error) {
		buildCtx, buildCancel := context.WithTimeout(ctx, c.Scheduler.MetadataTimeout+10*time.Second)
		defer buildCancel()
		return buildScheduler(buildCtx, c, deps)
	}

	initial, err := build(cfg)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	swapper := api.NewSchedulerSwapper(initial)
	defer swapper.Close()

	reloader := newSchedulerReloader(logger, swapper, build)
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	serverKeys, err := resolveServerKeys(ctx, cfg.Server.APIKeys, secrets, redactor)
	if err != nil {
		return err
	}
	keyAuth := api.NewKeyAuth(serverKeys, []string{"/health/live", "/health/ready"}, logger)
	if keyAuth.Enabled() {
		logger.Info("API key authentication enabled", "keys", len(serverKeys))
	}

	handler := api.NewHandler(swapper, logger, nil)
	httpMetrics := metrics.NewHTTPMetrics(registry)

	mux := http.NewServeMux()
	mux.Handle("/", keyAuth.Authenticate(handler.NewRouter(httpMetrics)))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
