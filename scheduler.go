package llmsched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/llmsched/backends"
	"github.com/blueberrycongee/llmsched/internal/health"
	"github.com/blueberrycongee/llmsched/internal/metacache"
	"github.com/blueberrycongee/llmsched/internal/metrics"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/internal/resilience"
	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

const (
	modeChat   = "chat"
	modeStream = "stream"

	preloadConcurrency = 8
)

// Scheduler is the main entry point of llmsched.
// It selects backends, retries, fails over and keeps health records.
//
// Scheduler is safe for concurrent use by multiple goroutines.
type Scheduler struct {
	config   Config
	registry *backends.Registry
	health   *health.Tracker
	models   *metacache.Cache
	limiter  *resilience.RateLimiter
	metrics  *metrics.Recorder
	redactor *observability.Redactor
	tracer   trace.Tracer
	logger   *slog.Logger

	backoffMu   sync.Mutex
	backoffRand *rand.Rand

	closeOnce sync.Once
	closeErr  error
}

// New creates a Scheduler with the given options.
//
// Example:
//
//	s, err := llmsched.New(
//	    llmsched.WithBackendConfigs(primary, secondary),
//	    llmsched.WithDefaultBackend("primary"),
//	    llmsched.WithFallbackBackends("secondary"),
//	    llmsched.WithRetry(3, 500*time.Millisecond),
//	)
func New(opts ...Option) (*Scheduler, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RetryCount < 1 {
		cfg.RetryCount = 1
	}
	if cfg.RetryJitter < 0 {
		cfg.RetryJitter = 0
	}
	if cfg.RetryJitter > 1 {
		cfg.RetryJitter = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	redactor := observability.NewRedactor()
	for _, secret := range cfg.Secrets {
		redactor.AddSecret(secret)
	}
	for _, bc := range cfg.Backends {
		redactor.AddSecret(bc.APIKey)
	}

	s := &Scheduler{
		config:   cfg,
		registry: backends.NewRegistry(),
		health: health.NewTracker(health.Config{
			Window:           cfg.HealthWindow,
			FailureRatio:     cfg.DegradedFailureRatio,
			MinAttempts:      cfg.MinRequestsForDegraded,
			LatencyThreshold: cfg.LatencyThreshold,
		}),
		limiter:     resilience.NewRateLimiter(),
		redactor:    redactor,
		tracer:      cfg.Tracer,
		logger:      slog.New(observability.NewRedactingHandler(cfg.Logger.Handler(), redactor)),
		backoffRand: rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
	if cfg.MetricsRegisterer != nil {
		s.metrics = metrics.New(cfg.MetricsRegisterer)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(observability.TracerName)
	}
	s.models = metacache.New(metacache.Options{
		Freshness:      cfg.CacheFreshness,
		RefreshTimeout: cfg.MetadataTimeout,
		OnRefresh:      s.onModelRefresh,
		Store:          cfg.MetadataStore,
		OnStoreError: func(id string, err error) {
			s.logger.Warn("shared model cache unavailable", "backend", id, "error", err)
		},
	})

	for _, bc := range cfg.Backends {
		b, err := backends.Create(bc)
		if err != nil {
			s.logger.Error("backend skipped", "backend", bc.Name, "type", bc.Type, "error", err)
			continue
		}
		if err := s.registry.Register(b); err != nil {
			s.logger.Error("backend skipped", "backend", bc.Name, "error", err)
			continue
		}
		s.limiter.Configure(bc.Name, resilience.Limits{Rate: bc.RateLimit, Burst: bc.Burst})
	}
	for _, b := range cfg.BackendInstances {
		if err := s.registry.Register(b); err != nil {
			s.logger.Error("backend skipped", "error", err)
		}
	}

	if s.registry.Len() == 0 {
		s.logger.Warn("no backends registered")
	}
	for _, id := range append([]string{cfg.DefaultBackend}, cfg.FallbackBackends...) {
		if id == "" {
			continue
		}
		if _, ok := s.registry.Get(id); !ok {
			s.logger.Warn("configured backend is not registered", "backend", id)
		}
	}

	if cfg.PreloadModels {
		s.preloadModels(context.Background())
	}

	s.logger.Info("llmsched scheduler initialized",
		"backends", s.registry.IDs(),
		"default", cfg.DefaultBackend,
		"fallbacks", cfg.FallbackBackends,
		"retry_count", cfg.RetryCount,
	)
	return s, nil
}

// Chat sends a chat request to the first candidate backend that succeeds.
func (s *Scheduler) Chat(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, llmerrors.NewInvalidRequestError("", "", err.Error())
	}

	ctx, span := observability.StartScheduleSpan(ctx, s.tracer, "llmsched.Chat", false, req.Backend)
	defer span.End()

	candidates, err := s.selectCandidates(ctx, req, false)
	if err != nil {
		return nil, s.fail(ctx, span, modeChat, err)
	}
	observability.RecordCandidates(span, backendIDs(candidates))

	var resp *types.Response
	served, latency, err := s.execute(ctx, candidates, req, func(ctx context.Context, b backend.Backend, attemptReq *types.Request) error {
		attemptReq.Stream = false
		r, err := b.Send(ctx, attemptReq)
		if err != nil {
			return err
		}
		if r == nil {
			return llmerrors.NewInternalError(b.ID(), req.Model, "backend returned no response")
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, modeChat, err)
	}

	id := served.ID()
	resp.Backend = id
	resp.Cost = served.Descriptor().Pricing.Cost(resp.Usage)
	s.recordSuccess(id, latency, resp.Cost)
	s.metrics.Request(modeChat, metrics.OutcomeSuccess)
	if resp.Usage != nil {
		observability.RecordUsage(span, id, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	s.logger.DebugContext(ctx, "chat served", "backend", id, "latency", latency, "cost", resp.Cost)
	return resp, nil
}

// ChatStream opens a streaming chat request. Failover covers establishing the
// stream only; once chunks flow, a failure ends the stream with an error
// chunk instead of switching backends.
//
// Example:
//
//	stream, err := s.ChatStream(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Choices[0].Delta.Content)
//	}
func (s *Scheduler) ChatStream(ctx context.Context, req *Request) (*StreamReader, error) {
	if err := req.Validate(); err != nil {
		return nil, llmerrors.NewInvalidRequestError("", "", err.Error())
	}

	ctx, span := observability.StartScheduleSpan(ctx, s.tracer, "llmsched.ChatStream", true, req.Backend)

	candidates, err := s.selectCandidates(ctx, req, true)
	if err != nil {
		err = s.fail(ctx, span, modeStream, err)
		span.End()
		return nil, err
	}
	observability.RecordCandidates(span, backendIDs(candidates))

	var cs backend.ChunkStream
	served, _, err := s.execute(ctx, candidates, req, func(ctx context.Context, b backend.Backend, attemptReq *types.Request) error {
		attemptReq.Stream = true
		st, err := b.Stream(ctx, attemptReq)
		if err != nil {
			return err
		}
		if st == nil {
			return llmerrors.NewInternalError(b.ID(), req.Model, "backend returned no stream")
		}
		cs = st
		return nil
	})
	if err != nil {
		err = s.fail(ctx, span, modeStream, err)
		span.End()
		return nil, err
	}

	return newStreamReader(ctx, s, served, cs, span), nil
}

// attemptFunc performs one call against b. attemptReq is a private copy of
// the submitted request.
type attemptFunc func(ctx context.Context, b backend.Backend, attemptReq *types.Request) error

// execute walks the candidates in order and returns the backend whose call
// succeeded together with the latency of that call.
func (s *Scheduler) execute(ctx context.Context, candidates []backend.Backend, req *types.Request, call attemptFunc) (backend.Backend, time.Duration, error) {
	var failures []llmerrors.BackendFailure

	for i, b := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, 0, contextError(err, failures)
		}

		latency, last, attempts, err := s.tryBackend(ctx, b, req, call)
		if last != nil {
			failures = append(failures, failureOf(b.ID(), last, attempts))
		}
		if err != nil {
			return nil, 0, contextError(err, failures)
		}
		if last == nil {
			return b, latency, nil
		}

		if i < len(candidates)-1 {
			next := candidates[i+1].ID()
			s.metrics.Failover(b.ID())
			s.logger.WarnContext(ctx, "failing over", "from", b.ID(), "to", next, "error", last.Message)
			if s.config.FailoverReporter != nil {
				s.config.FailoverReporter(ctx, b.ID(), next, last)
			}
		}
	}

	return nil, 0, &llmerrors.ExhaustedError{Failures: failures}
}

// tryBackend makes up to RetryCount attempts against b. It returns the
// sanitized last error when b did not succeed, and a non-nil err only when
// ctx ended.
func (s *Scheduler) tryBackend(ctx context.Context, b backend.Backend, req *types.Request, call attemptFunc) (time.Duration, *llmerrors.BackendError, int, error) {
	id := b.ID()
	var last *llmerrors.BackendError
	attempts := 0

	for attempt := 1; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, s.retryBackoff(attempt-1)); err != nil {
				return 0, last, attempts, err
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, last, attempts, err
		}

		attempts++
		if !s.limiter.Allow(id) {
			last = llmerrors.NewRateLimitError(id, req.Model, "local rate limit exceeded")
			s.logger.DebugContext(ctx, "backend throttled locally", "backend", id, "attempt", attempt)
			continue
		}

		attemptCtx, span := observability.StartAttemptSpan(ctx, s.tracer, id, attempt)
		start := time.Now()
		err := call(attemptCtx, b, req.Clone())
		latency := time.Since(start)

		if err == nil {
			span.End()
			s.metrics.Attempt(id, metrics.OutcomeSuccess, latency)
			return latency, nil, attempts, nil
		}

		be := s.sanitize(llmerrors.AsBackendError(id, err))
		observability.RecordError(span, s.redactor, be)
		span.End()

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				s.recordFailure(id, be, latency)
			}
			return 0, be, attempts, ctxErr
		}

		s.recordFailure(id, be, latency)
		s.logger.WarnContext(ctx, "backend attempt failed",
			"backend", id,
			"attempt", attempt,
			"transient", be.Transient(),
			"error", be.Message,
		)
		last = be
		if !be.Transient() {
			break
		}
	}

	return 0, last, attempts, nil
}

// retryBackoff returns the wait before retry number n (1-based):
// RetryBackoff doubled n-1 times, jittered, then capped at RetryMaxBackoff.
func (s *Scheduler) retryBackoff(n int) time.Duration {
	base := s.config.RetryBackoff
	if base <= 0 || n < 1 {
		return 0
	}
	shift := n - 1
	if shift > 30 {
		shift = 30
	}
	d := base * time.Duration(1<<shift)
	if d < base {
		d = s.config.RetryMaxBackoff
	}

	if j := s.config.RetryJitter; j > 0 {
		s.backoffMu.Lock()
		f := 1 + j*(2*s.backoffRand.Float64()-1)
		s.backoffMu.Unlock()
		d = time.Duration(float64(d) * f)
	}

	if maxBackoff := s.config.RetryMaxBackoff; maxBackoff > 0 && d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func contextError(err error, failures []llmerrors.BackendFailure) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &llmerrors.DeadlineExceededError{Failures: failures}
	}
	return err
}

func failureOf(id string, be *llmerrors.BackendError, attempts int) llmerrors.BackendFailure {
	return llmerrors.BackendFailure{
		Backend:    id,
		Type:       be.Type,
		StatusCode: be.StatusCode,
		Message:    be.Message,
		Attempts:   attempts,
	}
}

// sanitize returns a copy of be whose message has credentials removed.
func (s *Scheduler) sanitize(be *llmerrors.BackendError) *llmerrors.BackendError {
	cp := *be
	cp.Message = s.redactor.Redact(be.Message)
	return &cp
}

func (s *Scheduler) recordSuccess(id string, latency time.Duration, cost float64) {
	degraded := s.health.RecordAttempt(id, health.Attempt{
		Outcome: health.OutcomeSuccess,
		Latency: latency,
		Cost:    cost,
	})
	s.metrics.Degraded(id, degraded)
	s.metrics.Cost(id, cost)
}

func (s *Scheduler) recordFailure(id string, be *llmerrors.BackendError, latency time.Duration) {
	degraded := s.health.RecordAttempt(id, health.Attempt{
		Outcome: health.OutcomeFailure,
		Latency: latency,
		Error:   be.Message,
	})
	outcome := metrics.OutcomeTransient
	if !be.Transient() {
		outcome = metrics.OutcomeRejection
	}
	s.metrics.Attempt(id, outcome, latency)
	s.metrics.Degraded(id, degraded)
}

// fail records a failed scheduler call and returns err unchanged.
func (s *Scheduler) fail(ctx context.Context, span trace.Span, mode string, err error) error {
	status := llmerrors.TypeOf(err)
	if errors.Is(err, context.Canceled) {
		status = "canceled"
	} else {
		observability.RecordError(span, s.redactor, err)
	}
	s.metrics.Request(mode, status)
	s.logger.WarnContext(ctx, "request failed", "mode", mode, "error", err)
	return err
}

func (s *Scheduler) onModelRefresh(id string, err error) {
	s.metrics.MetadataRefresh(id, err)
	if err != nil {
		s.logger.Warn("model list refresh failed", "backend", id, "error", err)
	}
}

// preloadModels warms the metadata cache for every non-local backend.
func (s *Scheduler) preloadModels(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for _, d := range s.registry.All() {
		if d.Local {
			continue
		}
		b, ok := s.registry.Get(d.ID)
		if !ok {
			continue
		}
		g.Go(func() error {
			_, _ = s.models.Get(ctx, b.ID(), b)
			return nil
		})
	}
	_ = g.Wait()
}

// Models returns the model list of one backend from the metadata cache.
func (s *Scheduler) Models(ctx context.Context, backendID string) ([]ModelDescriptor, error) {
	b, ok := s.registry.Get(backendID)
	if !ok {
		return nil, llmerrors.NewNoEligibleBackend("backend %q is not registered", backendID)
	}
	models, err := s.models.Get(ctx, backendID, b)
	if err != nil {
		if errors.Is(err, metacache.ErrUnavailable) {
			return nil, llmerrors.NewNoEligibleBackend("model metadata for %q is unavailable: %s",
				backendID, s.redactor.Redact(err.Error()))
		}
		return nil, err
	}
	return models, nil
}

// ListModels returns the models of every backend, deduplicated by id in
// registration order. Backends whose metadata is unavailable are skipped.
func (s *Scheduler) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	ids := s.registry.IDs()
	lists := make([][]ModelDescriptor, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			models, err := s.Models(gctx, id)
			if err != nil {
				s.logger.DebugContext(gctx, "model list skipped", "backend", id, "error", err)
				return nil
			}
			lists[i] = models
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []ModelDescriptor
	for _, models := range lists {
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out, nil
}

// Metrics returns a copy of every registered backend's health record.
// Backends that have not been called yet appear with zero counters.
func (s *Scheduler) Metrics() map[string]HealthSnapshot {
	snaps := s.health.Snapshots()
	out := make(map[string]HealthSnapshot, s.registry.Len())
	for _, id := range s.registry.IDs() {
		if snap, ok := snaps[id]; ok {
			out[id] = snap
			continue
		}
		out[id] = HealthSnapshot{Backend: id}
	}
	return out
}

// Backends returns the descriptors of all registered backends.
func (s *Scheduler) Backends() []BackendDescriptor {
	return s.registry.All()
}

// AddBackend registers a backend at runtime.
func (s *Scheduler) AddBackend(b Backend) error {
	if err := s.registry.Register(b); err != nil {
		return err
	}
	s.logger.Info("backend registered", "backend", b.ID())
	return nil
}

// RemoveBackend unregisters a backend and drops its cached state.
func (s *Scheduler) RemoveBackend(id string) error {
	b, ok := s.registry.Unregister(id)
	if !ok {
		return fmt.Errorf("backend %s not found", id)
	}
	s.health.Forget(id)
	s.models.Invalidate(id)
	s.limiter.Remove(id)
	s.logger.Info("backend removed", "backend", id)
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Close releases the resources of every backend that holds any.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, id := range s.registry.IDs() {
			b, ok := s.registry.Get(id)
			if !ok {
				continue
			}
			if c, ok := b.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close backend %s: %w", id, err))
				}
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("llmsched scheduler closed")
	})
	return s.closeErr
}

func backendIDs(bs []backend.Backend) []string {
	ids := make([]string, len(bs))
	for i, b := range bs {
		ids[i] = b.ID()
	}
	return ids
}
