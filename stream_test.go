package llmsched

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched/pkg/backend"
	llmerrors "github.com/blueberrycongee/llmsched/pkg/errors"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

func streaming(chunks []*types.StreamChunk, err error) func(context.Context, *types.Request) (backend.ChunkStream, error) {
	return func(_ context.Context, req *types.Request) (backend.ChunkStream, error) {
		if !req.Stream {
			return nil, errors.New("stream flag not set")
		}
		return &fakeChunkStream{chunks: chunks, err: err}, nil
	}
}

func drain(t *testing.T, r *StreamReader) string {
	t.Helper()
	var sb strings.Builder
	for {
		chunk, err := r.Recv()
		if err == io.EOF {
			return sb.String()
		}
		require.NoError(t, err)
		for _, c := range chunk.Choices {
			sb.WriteString(c.Delta.Content)
		}
	}
}

func TestChatStream_DeliversChunksInOrder(t *testing.T) {
	last := textChunk("!")
	last.Usage = &types.Usage{PromptTokens: 1000, CompletionTokens: 1000}

	a := newFake("a")
	a.desc.Pricing = types.Pricing{InputPrice: 1, OutputPrice: 1}
	a.stream = streaming([]*types.StreamChunk{textChunk("Hel"), textChunk("lo"), last}, nil)
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "a", r.Backend())
	assert.Equal(t, "Hello!", drain(t, r))
	require.NotNil(t, r.Usage())
	assert.Equal(t, 1000, r.Usage().CompletionTokens)

	_, err = r.Recv()
	assert.Equal(t, io.EOF, err)

	snap := s.Metrics()["a"]
	assert.Equal(t, uint64(1), snap.Successes)
	assert.InDelta(t, 0.002, snap.TotalCost, 1e-9)
}

func TestChatStream_ChunksTaggedWithBackend(t *testing.T) {
	a := newFake("a")
	a.stream = streaming([]*types.StreamChunk{textChunk("x")}, nil)
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", chunk.Backend)
}

func TestChatStream_FailoverOnEstablishment(t *testing.T) {
	a := newFake("a").failing(transientErr("a"))
	b := newFake("b")
	b.stream = streaming([]*types.StreamChunk{textChunk("from b")}, nil)
	s := newTestScheduler(t,
		WithBackend(a), WithBackend(b),
		WithDefaultBackend("a"),
		WithFallbackBackends("b"),
	)

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "b", r.Backend())
	assert.Equal(t, "from b", drain(t, r))
	assert.Equal(t, int32(3), a.streamCalls.Load())
	assert.Equal(t, uint64(3), s.Metrics()["a"].Failures)
}

func TestChatStream_MidStreamErrorDoesNotFailOver(t *testing.T) {
	const secret = "stream-secret-value-99"

	src := &fakeChunkStream{
		chunks: []*types.StreamChunk{textChunk("partial")},
		err:    llmerrors.NewConnectionError("a", errors.New("reset by peer "+secret)),
	}
	a := newFake("a")
	a.stream = func(context.Context, *types.Request) (backend.ChunkStream, error) { return src, nil }
	b := newFake("b")
	b.stream = streaming([]*types.StreamChunk{textChunk("from b")}, nil)

	s := newTestScheduler(t,
		WithBackend(a), WithBackend(b),
		WithDefaultBackend("a"),
		WithFallbackBackends("b"),
		WithSecret(secret),
	)

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk.Choices[0].Delta.Content)

	chunk, err = r.Recv()
	require.Error(t, err)
	require.NotNil(t, chunk)
	assert.True(t, chunk.IsError())
	assert.Equal(t, types.FinishReasonError, chunk.Choices[0].FinishReason)
	assert.Equal(t, llmerrors.TypeConnection, chunk.Error.Type)
	assert.Equal(t, "a", chunk.Backend)
	assert.NotContains(t, chunk.Error.Message, secret)
	assert.NotContains(t, err.Error(), secret)

	_, err = r.Recv()
	assert.Equal(t, io.EOF, err)

	assert.True(t, src.isClosed())
	assert.Equal(t, int32(0), b.streamCalls.Load(), "no failover once chunks flowed")
	assert.Equal(t, uint64(1), s.Metrics()["a"].Failures)
}

func TestChatStream_RequiresStreamingBackend(t *testing.T) {
	a := newFake("a")
	a.desc.Capabilities.SupportsStreaming = false
	s := newTestScheduler(t, WithBackend(a))

	_, err := s.ChatStream(context.Background(), userRequest("hi"))
	assert.ErrorIs(t, err, llmerrors.ErrNoEligibleBackend)
	assert.Equal(t, int32(0), a.streamCalls.Load())
}

func TestChatStream_CloseEarly(t *testing.T) {
	src := &fakeChunkStream{chunks: []*types.StreamChunk{textChunk("a"), textChunk("b")}}
	a := newFake("a")
	a.stream = func(context.Context, *types.Request) (backend.ChunkStream, error) { return src, nil }
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	_, err = r.Recv()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.True(t, src.isClosed())
	_, err = r.Recv()
	assert.Equal(t, io.EOF, err)

	snap := s.Metrics()["a"]
	assert.Equal(t, uint64(0), snap.Requests, "an abandoned stream is not an outcome of the backend")
	assert.Equal(t, uint64(0), snap.Successes)
	assert.Equal(t, uint64(0), snap.Failures)
	assert.Zero(t, snap.TotalCost)
}

func TestChatStream_CloseAfterEndKeepsSuccess(t *testing.T) {
	a := newFake("a")
	a.stream = streaming([]*types.StreamChunk{textChunk("done")}, nil)
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "done", drain(t, r))
	require.NoError(t, r.Close())

	assert.Equal(t, uint64(1), s.Metrics()["a"].Successes)
}

// blockingChunkStream blocks in Recv until Close is called.
type blockingChunkStream struct {
	closed chan struct{}
	once   sync.Once
}

func (s *blockingChunkStream) Recv() (*types.StreamChunk, error) {
	<-s.closed
	return nil, errors.New("use of closed connection")
}

func (s *blockingChunkStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestChatStream_CloseUnblocksRecv(t *testing.T) {
	src := &blockingChunkStream{closed: make(chan struct{})}
	a := newFake("a")
	a.stream = func(context.Context, *types.Request) (backend.ChunkStream, error) { return src, nil }
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(context.Background(), userRequest("hi"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.Recv()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		_ = r.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind Recv")
	}
	select {
	case err := <-done:
		assert.Equal(t, io.EOF, err)
	case <-time.After(time.Second):
		t.Fatal("Recv was not unblocked by Close")
	}
	assert.Equal(t, uint64(0), s.Metrics()["a"].Failures)
}

func TestChatStream_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeChunkStream{err: context.Canceled}
	a := newFake("a")
	a.stream = func(context.Context, *types.Request) (backend.ChunkStream, error) { return src, nil }
	s := newTestScheduler(t, WithBackend(a))

	r, err := s.ChatStream(ctx, userRequest("hi"))
	require.NoError(t, err)
	defer r.Close()

	cancel()
	chunk, err := r.Recv()
	assert.Nil(t, chunk)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), s.Metrics()["a"].Failures)
}
