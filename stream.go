package llmsched

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmsched/internal/health"
	"github.com/blueberrycongee/llmsched/internal/observability"
	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// StreamReader provides an iterator over the chunks of one backend stream.
// Chunks are returned in the order the backend emitted them.
//
// When the backend fails mid-stream, Recv returns a final chunk whose finish
// reason is "error" together with the error; later calls return io.EOF.
// The stream is never moved to another backend once it has started.
//
// Recv must not be called concurrently; Close may be called from any
// goroutine and unblocks a pending Recv.
type StreamReader struct {
	ctx       context.Context
	scheduler *Scheduler
	backendID string
	pricing   types.Pricing
	stream    backend.ChunkStream
	span      trace.Span

	startTime  time.Time
	firstChunk bool
	ttft       time.Duration // Time To First Token
	usage      *types.Usage
	finished   bool

	// mu guards the fields above. It is never held across stream.Recv.
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// errClosedEarly marks a stream the caller closed before it completed.
var errClosedEarly = errors.New("stream closed before completion")

func newStreamReader(ctx context.Context, s *Scheduler, b backend.Backend, cs backend.ChunkStream, span trace.Span) *StreamReader {
	return &StreamReader{
		ctx:        ctx,
		scheduler:  s,
		backendID:  b.ID(),
		pricing:    b.Descriptor().Pricing,
		stream:     cs,
		span:       span,
		startTime:  time.Now(),
		firstChunk: true,
	}
}

// Recv returns the next chunk from the stream.
// Returns io.EOF when the stream is complete.
func (r *StreamReader) Recv() (*types.StreamChunk, error) {
	r.mu.Lock()
	done := r.finished
	r.mu.Unlock()
	if done || r.closed.Load() {
		return nil, io.EOF
	}

	chunk, err := r.stream.Recv()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished || r.closed.Load() {
		// Closed while the read was in flight.
		r.finish(errClosedEarly)
		return nil, io.EOF
	}
	if errors.Is(err, io.EOF) {
		r.finish(nil)
		return nil, io.EOF
	}
	if err != nil {
		if ctxErr := r.ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			r.finish(ctxErr)
			return nil, ctxErr
		}
		be := r.scheduler.sanitize(llmerrors.AsBackendError(r.backendID, err))
		r.finish(be)
		return &types.StreamChunk{
			Backend: r.backendID,
			Choices: []types.StreamChoice{{FinishReason: types.FinishReasonError}},
			Error:   &types.StreamError{Type: be.Type, Message: be.Message},
		}, be
	}
	if chunk == nil {
		chunk = &types.StreamChunk{}
	}

	if r.firstChunk {
		r.ttft = time.Since(r.startTime)
		r.firstChunk = false
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		r.usage = &u
	}
	if chunk.Backend == "" {
		chunk.Backend = r.backendID
	}
	return chunk, nil
}

// Close releases resources associated with the stream.
// It's safe to call Close multiple times. Closing before the end of the
// stream is recorded as neither a success nor a failure of the backend.
func (r *StreamReader) Close() error {
	err := r.close()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finish(errClosedEarly)
	return err
}

// Backend returns the id of the backend serving the stream.
func (r *StreamReader) Backend() string {
	return r.backendID
}

// TTFT returns the Time To First Token duration.
// Returns 0 if no chunks have been received yet.
func (r *StreamReader) TTFT() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttft
}

// Usage returns the usage reported by the backend so far, if any.
func (r *StreamReader) Usage() *types.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usage == nil {
		return nil
	}
	u := *r.usage
	return &u
}

// close releases the backend stream once. It does not take mu, so it can
// interrupt a Recv blocked on the network.
func (r *StreamReader) close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.closeErr = r.stream.Close()
	})
	return r.closeErr
}

// finish records the outcome of the stream exactly once. The latency sample
// is the time to first chunk so long generations do not read as slowness.
func (r *StreamReader) finish(err error) {
	if r.finished {
		return
	}
	r.finished = true
	s := r.scheduler

	latency := r.ttft
	if r.firstChunk {
		latency = time.Since(r.startTime)
	}

	var be *llmerrors.BackendError
	switch {
	case err == nil:
		cost := r.pricing.Cost(r.usage)
		s.recordSuccess(r.backendID, latency, cost)
		s.metrics.Request(modeStream, "success")
		if r.usage != nil {
			observability.RecordUsage(r.span, r.backendID, r.usage.PromptTokens, r.usage.CompletionTokens)
		}
	case errors.As(err, &be):
		degraded := s.health.RecordAttempt(r.backendID, health.Attempt{
			Outcome: health.OutcomeFailure,
			Latency: time.Since(r.startTime),
			Error:   be.Message,
		})
		s.metrics.Degraded(r.backendID, degraded)
		s.metrics.StreamError(r.backendID)
		s.metrics.Request(modeStream, be.Type)
		observability.RecordError(r.span, s.redactor, be)
		s.logger.WarnContext(r.ctx, "stream failed", "backend", r.backendID, "error", be.Message)
	case errors.Is(err, errClosedEarly):
		s.metrics.Request(modeStream, "closed")
	default:
		s.metrics.Request(modeStream, "canceled")
	}

	r.span.End()
	_ = r.close()
}
