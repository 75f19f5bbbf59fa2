package backends

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched/pkg/backend"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

type stubBackend struct {
	id     string
	weight int
}

func (s *stubBackend) ID() string { return s.id }
func (s *stubBackend) Descriptor() backend.Descriptor {
	return backend.Descriptor{ID: s.id, Type: "stub", PriorityWeight: s.weight}
}
func (s *stubBackend) Send(context.Context, *types.Request) (*types.Response, error) {
	return &types.Response{}, nil
}
func (s *stubBackend) Stream(context.Context, *types.Request) (backend.ChunkStream, error) {
	return nil, fmt.Errorf("not supported")
}
func (s *stubBackend) ListModels(context.Context) ([]types.ModelDescriptor, error) { return nil, nil }
func (s *stubBackend) EstimateCost(*types.Request) float64                         { return 0 }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubBackend{id: "a"}))
	require.NoError(t, r.Register(&stubBackend{id: "b", weight: 2}))

	b, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "b", b.ID())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, r.IDs())
	assert.Equal(t, 2, r.Len())

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, 2, all[1].PriorityWeight)
}

func TestRegistry_RejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubBackend{id: "a"}))

	err := r.Register(&stubBackend{id: "a"})
	assert.ErrorIs(t, err, ErrDuplicateBackend)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&stubBackend{}))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(&stubBackend{id: id}))
	}

	ids := r.IDs()
	b, ok := r.Unregister("b")
	require.True(t, ok)
	assert.Equal(t, "b", b.ID())
	assert.Equal(t, []string{"a", "c"}, r.IDs())
	assert.Equal(t, []string{"a", "b", "c"}, ids, "earlier snapshots are unaffected")

	_, ok = r.Unregister("b")
	assert.False(t, ok)

	require.NoError(t, r.Register(&stubBackend{id: "b"}))
	assert.Equal(t, []string{"a", "c", "b"}, r.IDs())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(&stubBackend{id: fmt.Sprintf("b%d", i)})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.All()
			_, _ = r.Get("b0")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
