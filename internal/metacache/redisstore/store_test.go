package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmsched/internal/metacache"
	"github.com/blueberrycongee/llmsched/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{Addr: mr.Addr(), Namespace: "test", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_SaveLoad(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.Save(ctx, "eu", metacache.Entry{
		Models: []types.ModelDescriptor{
			{ID: "m1", ContextWindow: 8192, Pricing: types.Pricing{InputPrice: 3}},
			{ID: "m2", Deprecated: true},
		},
		FetchedAt: fetched,
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:models:eu"))
	assert.Equal(t, time.Minute, mr.TTL("test:models:eu"))

	e, err := s.Load(ctx, "eu")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Len(t, e.Models, 2)
	assert.Equal(t, 8192, e.Models[0].ContextWindow)
	assert.True(t, e.Models[1].Deprecated)
	assert.True(t, fetched.Equal(e.FetchedAt))
}

func TestStore_LoadMissing(t *testing.T) {
	s, _ := newTestStore(t)

	e, err := s.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_Expiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "eu", metacache.Entry{FetchedAt: time.Now()}))
	mr.FastForward(2 * time.Minute)

	e, err := s.Load(ctx, "eu")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStore_CorruptValue(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("test:models:eu", "not json"))

	_, err := s.Load(context.Background(), "eu")
	assert.ErrorContains(t, err, "decode model list")
}

func TestStore_ServerDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Load(context.Background(), "eu")
	assert.Error(t, err)
	assert.Error(t, s.Save(context.Background(), "eu", metacache.Entry{}))
}

func TestNew_PingFailure(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.ErrorContains(t, err, "redis ping failed")
}

func TestStore_SharedBetweenCaches(t *testing.T) {
	s, _ := newTestStore(t)

	calls := 0
	lister := listerFunc(func(context.Context) ([]types.ModelDescriptor, error) {
		calls++
		return []types.ModelDescriptor{{ID: "m1"}}, nil
	})

	a := metacache.New(metacache.Options{Store: s})
	b := metacache.New(metacache.Options{Store: s})

	_, err := a.Get(context.Background(), "eu", lister)
	require.NoError(t, err)
	models, err := b.Get(context.Background(), "eu", lister)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	require.Len(t, models, 1)
	assert.Equal(t, "m1", models[0].ID)
}

type listerFunc func(context.Context) ([]types.ModelDescriptor, error)

func (f listerFunc) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) { return f(ctx) }
