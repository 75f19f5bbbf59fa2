package llmsched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

// fakeBackend is an in-memory Backend whose behavior is set per test.
type fakeBackend struct {
	id   string
	desc backend.Descriptor
	cost float64

	send   func(ctx context.Context, req *types.Request) (*types.Response, error)
	stream func(ctx context.Context, req *types.Request) (backend.ChunkStream, error)
	models func(ctx context.Context) ([]types.ModelDescriptor, error)

	sendCalls   atomic.Int32
	streamCalls atomic.Int32
	listCalls   atomic.Int32
	closed      atomic.Bool
}

func newFake(id string) *fakeBackend {
	return &fakeBackend{
		id: id,
		desc: backend.Descriptor{
			ID:   id,
			Type: "fake",
			Capabilities: types.Capabilities{
				SupportsStreaming: true,
			},
		},
	}
}

func (f *fakeBackend) ok() *fakeBackend {
	f.send = func(context.Context, *types.Request) (*types.Response, error) {
		return &types.Response{
			ID:      "resp-" + f.id,
			Choices: []types.Choice{{Message: types.TextMessage(types.RoleAssistant, "hi from "+f.id)}},
			Usage:   &types.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
		}, nil
	}
	return f
}

func (f *fakeBackend) failing(err error) *fakeBackend {
	f.send = func(context.Context, *types.Request) (*types.Response, error) {
		return nil, err
	}
	f.stream = func(context.Context, *types.Request) (backend.ChunkStream, error) {
		return nil, err
	}
	return f
}

func (f *fakeBackend) ID() string                          { return f.id }
func (f *fakeBackend) Descriptor() backend.Descriptor      { return f.desc }
func (f *fakeBackend) EstimateCost(*types.Request) float64 { return f.cost }

func (f *fakeBackend) Send(ctx context.Context, req *types.Request) (*types.Response, error) {
	f.sendCalls.Add(1)
	if f.send == nil {
		return nil, errors.New("send not configured")
	}
	return f.send(ctx, req)
}

func (f *fakeBackend) Stream(ctx context.Context, req *types.Request) (backend.ChunkStream, error) {
	f.streamCalls.Add(1)
	if f.stream == nil {
		return nil, errors.New("stream not configured")
	}
	return f.stream(ctx, req)
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	f.listCalls.Add(1)
	if f.models == nil {
		return nil, llmerrors.NewNotFoundError(f.id, "", "models not configured")
	}
	return f.models(ctx)
}

func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeChunkStream yields chunks, then err (io.EOF when nil).
type fakeChunkStream struct {
	mu     sync.Mutex
	chunks []*types.StreamChunk
	err    error
	closed bool
}

func (s *fakeChunkStream) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeChunkStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeChunkStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func textChunk(text string) *types.StreamChunk {
	return &types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: text}}}}
}

func transientErr(id string) error {
	return llmerrors.NewServiceUnavailableError(id, "", "overloaded")
}

func rejectionErr(id string) error {
	return llmerrors.NewAuthenticationError(id, "", "invalid credentials")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithRetry(3, 0),
	}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func userRequest(text string) *types.Request {
	return &types.Request{Messages: []types.Message{types.TextMessage(types.RoleUser, text)}}
}
