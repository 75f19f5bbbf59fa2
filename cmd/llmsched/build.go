package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmsched"
	"github.com/blueberrycongee/llmsched/internal/config"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/internal/secret"
	"github.com/blueberrycongee/llmsched/internal/secret/env"
	"github.com/blueberrycongee/llmsched/internal/secret/vault"
)

// newSecretManager registers the env:// provider and, when configured, a
// cached vault:// provider.
func newSecretManager(cfg config.SecretsConfig, logger *slog.Logger) (*secret.Manager, error) {
	m := secret.NewManager()
	m.Register("env", env.New())

	if cfg.Vault != nil {
		vp, err := vault.New(*cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		var p secret.Provider = vp
		if cfg.CacheTTL > 0 {
			p = secret.NewCachedProvider(vp, cfg.CacheTTL)
		}
		m.Register("vault", p)
		logger.Info("vault secret provider enabled", "address", cfg.Vault.Address)
	}
	return m, nil
}

// schedulerDeps are the process-wide collaborators shared by every
// scheduler built over the lifetime of the server.
type schedulerDeps struct {
	logger   *slog.Logger
	redactor *observability.Redactor
	secrets  *secret.Manager
	registry prometheus.Registerer
	tracer   trace.Tracer
	models   llmsched.MetadataStore
}

// buildScheduler turns cfg into a running scheduler. Backends whose
// credential cannot be resolved are skipped with an error log, the same as
// backends that fail validation.
func buildScheduler(ctx context.Context, cfg *config.Config, deps schedulerDeps) (*llmsched.Scheduler, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	backendCfgs := make([]llmsched.BackendConfig, 0, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		apiKey, err := deps.secrets.Get(ctx, bc.APIKey)
		if err != nil {
			deps.logger.Error("backend skipped", "backend", bc.Name, "error", err)
			continue
		}
		if deps.redactor != nil {
			deps.redactor.AddSecret(apiKey)
		}
		backendCfgs = append(backendCfgs, bc.Backend(apiKey))
	}

	s := cfg.Scheduler
	opts := []llmsched.Option{
		llmsched.WithLogger(deps.logger),
		llmsched.WithBackendConfigs(backendCfgs...),
		llmsched.WithDefaultBackend(s.DefaultBackend),
		llmsched.WithFallbackBackends(s.FallbackBackends...),
		llmsched.WithRetry(s.RetryCount, s.RetryBackoff),
		llmsched.WithRetryMaxBackoff(s.RetryMaxBackoff),
		llmsched.WithRetryJitter(s.RetryJitter),
		llmsched.WithCacheFreshness(s.CacheFreshness),
		llmsched.WithMetadataTimeout(s.MetadataTimeout),
		llmsched.WithPreloadModels(s.PreloadModels),
		llmsched.WithDegradedFailureRatio(s.DegradedFailureRatio),
		llmsched.WithHealthWindow(s.HealthWindow, s.MinRequestsForDegraded),
		llmsched.WithLatencyThreshold(s.LatencyThreshold),
		llmsched.WithCostThreshold(s.CostThreshold),
		llmsched.WithHighPriorityLatencyBudget(s.HighPriorityLatencyBudget),
		llmsched.WithFailoverReporter(func(ctx context.Context, from, to string, err error) {
			deps.logger.InfoContext(ctx, "request failed over", "from", from, "to", to, "reason", err)
		}),
	}
	if deps.registry != nil {
		opts = append(opts, llmsched.WithMetrics(deps.registry))
	}
	if deps.models != nil {
		opts = append(opts, llmsched.WithMetadataStore(deps.models))
	}
	if deps.tracer != nil {
		opts = append(opts, llmsched.WithTracer(deps.tracer))
	}

	return llmsched.New(opts...)
}

// resolveServerKeys resolves the inbound API keys. Unlike backend keys, a
// key that cannot be resolved is fatal so the server never starts open.
func resolveServerKeys(ctx context.Context, keys []string, secrets *secret.Manager, redactor *observability.Redactor) ([]string, error) {
	resolved := make([]string, 0, len(keys))
	for i, ref := range keys {
		key, err := secrets.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("server.api_keys[%d]: %w", i, err)
		}
		if redactor != nil {
			redactor.AddSecret(key)
		}
		resolved = append(resolved, key)
	}
	return resolved, nil
}
