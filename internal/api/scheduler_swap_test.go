package api //nolint:revive // package name is intentional

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type closeCounter struct {
	closed atomic.Int64
}

func (f *closeCounter) Close() error {
	f.closed.Add(1)
	return nil
}

func TestLiveSwapUsesLatestValue(t *testing.T) {
	first := &closeCounter{}
	swapper := newLiveSwap[*closeCounter](first)

	got, release := swapper.acquire()
	require.Same(t, first, got)
	release()

	next := &closeCounter{}
	swapper.swap(next)

	got, release = swapper.acquire()
	require.Same(t, next, got)
	release()
}

func TestLiveSwapDefersCloseUntilRelease(t *testing.T) {
	first := &closeCounter{}
	swapper := newLiveSwap[*closeCounter](first)

	got, release := swapper.acquire()
	require.Same(t, first, got)

	next := &closeCounter{}
	swapper.swap(next)

	require.Equal(t, int64(0), first.closed.Load())

	release()

	require.Equal(t, int64(1), first.closed.Load())
}

func TestLiveSwapClosesIdleValueOnSwap(t *testing.T) {
	first := &closeCounter{}
	swapper := newLiveSwap[*closeCounter](first)

	next := &closeCounter{}
	swapper.swap(next)

	require.Equal(t, int64(1), first.closed.Load())
}

func TestLiveSwapCloseDetachesValue(t *testing.T) {
	first := &closeCounter{}
	swapper := newLiveSwap[*closeCounter](first)

	got, release := swapper.acquire()
	require.Same(t, first, got)

	swapper.closeCurrent()
	require.Equal(t, int64(0), first.closed.Load(), "in-flight user keeps it open")

	after, releaseAfter := swapper.acquire()
	require.Nil(t, after)
	releaseAfter()

	release()
	require.Equal(t, int64(1), first.closed.Load())

	swapper.closeCurrent()
	require.Equal(t, int64(1), first.closed.Load())
}
