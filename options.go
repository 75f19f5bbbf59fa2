package llmsched

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// FailoverReporter receives failover events for observability. err is the
// sanitized last error of the backend that was given up on.
type FailoverReporter func(ctx context.Context, from, to string, err error)

// Config holds all configuration for the Scheduler.
type Config struct {
	// Backends
	Backends         []BackendConfig
	BackendInstances []Backend

	// Selection
	DefaultBackend   string
	FallbackBackends []string
	// CostThreshold demotes candidates whose estimated cost exceeds it (0 = off).
	CostThreshold float64
	// HighPriorityLatencyBudget demotes candidates slower than this on
	// average for high priority requests (0 = off).
	HighPriorityLatencyBudget time.Duration

	// Retry
	RetryCount       int
	RetryBackoff     time.Duration
	RetryMaxBackoff  time.Duration
	RetryJitter      float64
	FailoverReporter FailoverReporter

	// Metadata cache
	CacheFreshness  time.Duration
	MetadataTimeout time.Duration
	PreloadModels   bool

	// Health
	DegradedFailureRatio   float64
	HealthWindow           int
	MinRequestsForDegraded int
	LatencyThreshold       time.Duration

	// Observability
	Logger            *slog.Logger
	MetricsRegisterer prometheus.Registerer
	Tracer            trace.Tracer
	// MetadataStore shares cached model lists between scheduler replicas.
	MetadataStore MetadataStore
	// Secrets are literal values scrubbed from logs and surfaced errors in
	// addition to every configured backend API key.
	Secrets []string
}

// Option is a function that configures the Scheduler.
type Option func(*Config)

// DefaultConfig returns the defaults applied by New.
func DefaultConfig() Config {
	return Config{
		HighPriorityLatencyBudget: 5 * time.Second,
		RetryCount:                3,
		RetryBackoff:              500 * time.Millisecond,
		RetryMaxBackoff:           5 * time.Second,
		CacheFreshness:            5 * time.Minute,
		MetadataTimeout:           30 * time.Second,
		DegradedFailureRatio:      0.5,
		HealthWindow:              20,
		MinRequestsForDegraded:    5,
		LatencyThreshold:          30 * time.Second,
		Logger:                    slog.Default(),
	}
}

// WithBackendConfigs adds backends that are built through the factory
// registry. A backend that fails to build or validate is logged and skipped.
//
// Example:
//
//	llmsched.WithBackendConfigs(llmsched.BackendConfig{
//	    Name:    "us",
//	    Type:    "relay",
//	    BaseURL: "https://us.sched.example.com",
//	    APIKey:  os.Getenv("US_KEY"),
//	})
func WithBackendConfigs(cfgs ...BackendConfig) Option {
	return func(c *Config) {
		c.Backends = append(c.Backends, cfgs...)
	}
}

// WithBackend registers a ready backend handle.
func WithBackend(b Backend) Option {
	return func(c *Config) {
		c.BackendInstances = append(c.BackendInstances, b)
	}
}

// WithDefaultBackend sets the backend tried first.
func WithDefaultBackend(id string) Option {
	return func(c *Config) {
		c.DefaultBackend = id
	}
}

// WithFallbackBackends sets the ordered backends tried after the default.
func WithFallbackBackends(ids ...string) Option {
	return func(c *Config) {
		c.FallbackBackends = append([]string(nil), ids...)
	}
}

// WithRetry configures retry behavior.
// count: attempts per candidate backend (values below 1 mean 1)
// backoff: wait before the second attempt; doubled for each further attempt
func WithRetry(count int, backoff time.Duration) Option {
	return func(c *Config) {
		c.RetryCount = count
		c.RetryBackoff = backoff
	}
}

// WithRetryMaxBackoff sets the maximum backoff duration for retries.
// Use 0 to disable the cap.
func WithRetryMaxBackoff(d time.Duration) Option {
	return func(c *Config) {
		c.RetryMaxBackoff = d
	}
}

// WithRetryJitter sets the jitter ratio for retries (0.0 - 1.0).
func WithRetryJitter(jitter float64) Option {
	return func(c *Config) {
		c.RetryJitter = jitter
	}
}

// WithFailoverReporter records failover events.
func WithFailoverReporter(reporter FailoverReporter) Option {
	return func(c *Config) {
		c.FailoverReporter = reporter
	}
}

// WithCacheFreshness sets how long a fetched model list is served without
// refreshing it.
func WithCacheFreshness(d time.Duration) Option {
	return func(c *Config) {
		c.CacheFreshness = d
	}
}

// WithMetadataTimeout bounds a single model list refresh.
func WithMetadataTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.MetadataTimeout = d
	}
}

// WithPreloadModels fetches the model list of every non-local backend
// during New. Failures are logged and ignored.
func WithPreloadModels(enabled bool) Option {
	return func(c *Config) {
		c.PreloadModels = enabled
	}
}

// WithDegradedFailureRatio sets the recent failure ratio above which a
// backend is demoted.
func WithDegradedFailureRatio(ratio float64) Option {
	return func(c *Config) {
		c.DegradedFailureRatio = ratio
	}
}

// WithHealthWindow sets how many recent attempts the failure ratio covers
// and how many attempts are needed before it applies.
func WithHealthWindow(window, minRequests int) Option {
	return func(c *Config) {
		c.HealthWindow = window
		c.MinRequestsForDegraded = minRequests
	}
}

// WithLatencyThreshold sets the latency above which the most recent sample
// marks a backend degraded. Use 0 to disable.
func WithLatencyThreshold(d time.Duration) Option {
	return func(c *Config) {
		c.LatencyThreshold = d
	}
}

// WithCostThreshold demotes backends whose estimated request cost exceeds
// amount. Use 0 to disable.
func WithCostThreshold(amount float64) Option {
	return func(c *Config) {
		c.CostThreshold = amount
	}
}

// WithHighPriorityLatencyBudget sets the average latency above which a
// backend is demoted for high priority requests. Use 0 to disable.
func WithHighPriorityLatencyBudget(d time.Duration) Option {
	return func(c *Config) {
		c.HighPriorityLatencyBudget = d
	}
}

// WithLogger sets the logger for the scheduler. Its output is passed through
// the scheduler's redactor.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics registers the scheduler's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.MetricsRegisterer = reg
	}
}

// WithTracer sets the tracer used for scheduling and attempt spans.
// Defaults to the global OpenTelemetry tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) {
		c.Tracer = tracer
	}
}

// WithMetadataStore shares cached model lists through store, so replicas
// refresh each backend's list once per freshness window. The caller owns
// the store and closes it.
func WithMetadataStore(store MetadataStore) Option {
	return func(c *Config) {
		c.MetadataStore = store
	}
}

// WithSecret registers literal values that must never appear in logs or
// surfaced errors.
func WithSecret(secrets ...string) Option {
	return func(c *Config) {
		c.Secrets = append(c.Secrets, secrets...)
	}
}
