// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmsched/internal/metacache/redisstore"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/internal/secret/vault"
	"github.com/blueberrycongee/llmsched/pkg/backend"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// Config represents the complete server configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Backends  []BackendConfig             `yaml:"backends"`
	Scheduler SchedulerConfig             `yaml:"scheduler"`
	Logging   LoggingConfig               `yaml:"logging"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
	Secrets   SecretsConfig               `yaml:"secrets"`
}

// SecretsConfig configures how api_key references are resolved.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    *vault.Config `yaml:"vault"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeys, when set, are required on every non-health request. Entries
	// may be secret references.
	APIKeys []string `yaml:"api_keys"`
}

// BackendConfig defines a single backend.
type BackendConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	// APIKey is a literal value or a secret reference such as env://NAME.
	APIKey         string             `yaml:"api_key"`
	BaseURL        string             `yaml:"base_url"`
	Models         []string           `yaml:"models"`
	Timeout        time.Duration      `yaml:"timeout"`
	Headers        map[string]string  `yaml:"headers"`
	Capabilities   types.Capabilities `yaml:"capabilities"`
	Pricing        types.Pricing      `yaml:"pricing"`
	PriorityWeight int                `yaml:"priority_weight"`
	Local          bool               `yaml:"local"`
	RateLimit      float64            `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int                `yaml:"burst"`

	AllowPrivateBaseURL bool `yaml:"allow_private_base_url"`
}

// SchedulerConfig contains selection, retry and health settings.
type SchedulerConfig struct {
	DefaultBackend            string        `yaml:"default_backend"`
	FallbackBackends          []string      `yaml:"fallback_backends"`
	RetryCount                int           `yaml:"retry_count"`
	RetryBackoff              time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff           time.Duration `yaml:"retry_max_backoff"`
	RetryJitter               float64       `yaml:"retry_jitter"`
	CacheFreshness            time.Duration `yaml:"cache_freshness"`
	MetadataTimeout           time.Duration `yaml:"metadata_timeout"`
	PreloadModels             bool          `yaml:"preload_models"`
	DegradedFailureRatio      float64       `yaml:"degraded_failure_ratio"`
	HealthWindow              int           `yaml:"health_window"`
	MinRequestsForDegraded    int           `yaml:"min_requests_for_degraded"`
	LatencyThreshold          time.Duration `yaml:"latency_threshold"`
	CostThreshold             float64       `yaml:"cost_threshold"`
	HighPriorityLatencyBudget time.Duration `yaml:"high_priority_latency_budget"`

	// SharedModelCache shares model lists between replicas through Redis.
	SharedModelCache *redisstore.Config `yaml:"shared_model_cache"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RetryCount:                3,
			RetryBackoff:              500 * time.Millisecond,
			RetryMaxBackoff:           5 * time.Second,
			CacheFreshness:            5 * time.Minute,
			MetadataTimeout:           30 * time.Second,
			DegradedFailureRatio:      0.5,
			HealthWindow:              20,
			MinRequestsForDegraded:    5,
			LatencyThreshold:          30 * time.Second,
			HighPriorityLatencyBudget: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend[%d]: name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("backend[%d] %q: duplicate name", i, b.Name)
		}
		names[b.Name] = true
		if b.Type == "" {
			return fmt.Errorf("backend[%d] %q: type is required", i, b.Name)
		}
		if b.Timeout < 0 {
			return fmt.Errorf("backend[%d] %q: timeout cannot be negative", i, b.Name)
		}
		if b.RateLimit < 0 || b.Burst < 0 {
			return fmt.Errorf("backend[%d] %q: rate_limit and burst cannot be negative", i, b.Name)
		}
	}

	s := c.Scheduler
	if s.DefaultBackend != "" && !names[s.DefaultBackend] {
		return fmt.Errorf("scheduler.default_backend %q is not a configured backend", s.DefaultBackend)
	}
	for i, id := range s.FallbackBackends {
		if !names[id] {
			return fmt.Errorf("scheduler.fallback_backends[%d] %q is not a configured backend", i, id)
		}
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("scheduler.retry_count cannot be negative")
	}
	if s.RetryBackoff < 0 || s.RetryMaxBackoff < 0 {
		return fmt.Errorf("scheduler retry backoff cannot be negative")
	}
	if s.RetryJitter < 0 || s.RetryJitter > 1 {
		return fmt.Errorf("scheduler.retry_jitter must be between 0 and 1")
	}
	if s.DegradedFailureRatio < 0 || s.DegradedFailureRatio > 1 {
		return fmt.Errorf("scheduler.degraded_failure_ratio must be between 0 and 1")
	}
	if s.CacheFreshness < 0 || s.MetadataTimeout < 0 || s.LatencyThreshold < 0 || s.HighPriorityLatencyBudget < 0 {
		return fmt.Errorf("scheduler durations cannot be negative")
	}
	if s.HealthWindow < 0 || s.MinRequestsForDegraded < 0 {
		return fmt.Errorf("scheduler health window cannot be negative")
	}
	if s.CostThreshold < 0 {
		return fmt.Errorf("scheduler.cost_threshold cannot be negative")
	}

	if c.Secrets.CacheTTL < 0 {
		return fmt.Errorf("secrets.cache_ttl cannot be negative")
	}
	if c.Secrets.Vault != nil && c.Secrets.Vault.Address == "" {
		return fmt.Errorf("secrets.vault.address is required when vault is configured")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return nil
}

// Backend converts b into a backend configuration using apiKey as the
// resolved credential.
func (b BackendConfig) Backend(apiKey string) backend.Config {
	return backend.Config{
		Name:                b.Name,
		Type:                b.Type,
		APIKey:              apiKey,
		BaseURL:             b.BaseURL,
		Models:              append([]string(nil), b.Models...),
		Timeout:             b.Timeout,
		Headers:             b.Headers,
		Capabilities:        b.Capabilities,
		Pricing:             b.Pricing,
		PriorityWeight:      b.PriorityWeight,
		Local:               b.Local,
		RateLimit:           b.RateLimit,
		Burst:               b.Burst,
		AllowPrivateBaseURL: b.AllowPrivateBaseURL,
	}
}
