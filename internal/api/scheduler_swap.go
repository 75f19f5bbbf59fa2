package api //nolint:revive // package name is intentional

import (
	"sync/atomic"

	"github.com/blueberrycongee/llmsched"
)

// liveSwap holds the live value and closes replaced values once their last
// in-flight user releases them.
type liveSwap[T interface{ Close() error }] struct {
	current atomic.Pointer[liveRef[T]]
}

type liveRef[T interface{ Close() error }] struct {
	value   T
	refs    atomic.Int64
	closing atomic.Bool
	closed  atomic.Bool
}

func newLiveSwap[T interface{ Close() error }](value T) *liveSwap[T] {
	swap := &liveSwap[T]{}
	swap.current.Store(&liveRef[T]{value: value})
	return swap
}

func (s *liveSwap[T]) acquire() (T, func()) {
	for {
		ref := s.current.Load()
		if ref == nil {
			var zero T
			return zero, func() {}
		}

		ref.refs.Add(1)
		if ref.closing.Load() {
			// Replaced or closed between the load and the increment.
			if ref.refs.Add(-1) == 0 {
				ref.closeOnce()
			}
			continue
		}

		release := func() {
			if ref.refs.Add(-1) == 0 && ref.closing.Load() {
				ref.closeOnce()
			}
		}
		return ref.value, release
	}
}

func (s *liveSwap[T]) swap(next T) {
	nextRef := &liveRef[T]{value: next}
	prev := s.current.Swap(nextRef)
	if prev == nil {
		return
	}

	prev.closing.Store(true)
	if prev.refs.Load() == 0 {
		prev.closeOnce()
	}
}

// closeCurrent detaches the live value, so later acquires get the zero
// value, and closes it once idle.
func (s *liveSwap[T]) closeCurrent() {
	ref := s.current.Swap(nil)
	if ref == nil {
		return
	}

	ref.closing.Store(true)
	if ref.refs.Load() == 0 {
		ref.closeOnce()
	}
}

func (s *liveSwap[T]) currentValue() T {
	ref := s.current.Load()
	if ref == nil {
		var zero T
		return zero
	}
	return ref.value
}

func (r *liveRef[T]) closeOnce() {
	if r.closed.CompareAndSwap(false, true) {
		_ = r.value.Close()
	}
}

// SchedulerSwapper manages a hot-swappable Scheduler for the handlers.
// Config reloads build a new scheduler and swap it in; requests already in
// flight finish on the scheduler they acquired.
type SchedulerSwapper struct {
	swapper *liveSwap[Scheduler]
}

// NewSchedulerSwapper creates a new swapper seeded with the initial scheduler.
func NewSchedulerSwapper(s Scheduler) *SchedulerSwapper {
	return &SchedulerSwapper{swapper: newLiveSwap[Scheduler](s)}
}

// Acquire returns the current scheduler and a release function.
// Call release when the request is done to allow safe scheduler shutdown.
func (s *SchedulerSwapper) Acquire() (Scheduler, func()) {
	return s.swapper.acquire()
}

// Swap atomically replaces the current scheduler with the next one.
// The old scheduler is closed once in-flight users release it.
func (s *SchedulerSwapper) Swap(next Scheduler) {
	s.swapper.swap(next)
}

// Close marks the current scheduler as closing and closes it when idle.
func (s *SchedulerSwapper) Close() {
	s.swapper.closeCurrent()
}

// Current returns the current scheduler without affecting its lifetime.
func (s *SchedulerSwapper) Current() Scheduler {
	return s.swapper.currentValue()
}

var _ Scheduler = (*llmsched.Scheduler)(nil)
