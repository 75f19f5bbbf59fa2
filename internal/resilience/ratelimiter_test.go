package resilience

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRateLimiter_Unconfigured(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 100; i++ {
		if !rl.Allow("free") {
			t.Fatalf("unconfigured backend should never be limited")
		}
	}
	if rl.Tokens("free") != -1 {
		t.Errorf("Tokens() = %v, want -1", rl.Tokens("free"))
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter()
	rl.Configure("b", Limits{Rate: 0.001, Burst: 3})

	for i := 0; i < 3; i++ {
		if !rl.Allow("b") {
			t.Errorf("Allow() should return true for request %d", i)
		}
	}
	if rl.Allow("b") {
		t.Error("Allow() should return false when bucket is empty")
	}
	if !rl.Allow("other") {
		t.Error("buckets must be per backend")
	}
}

func TestRateLimiter_DefaultBurst(t *testing.T) {
	tests := []struct {
		limits Limits
		want   int
	}{
		{Limits{Rate: 0.5}, 1},
		{Limits{Rate: 2}, 2},
		{Limits{Rate: 2.5}, 3},
		{Limits{Rate: 2, Burst: 10}, 10},
	}
	for _, tt := range tests {
		if got := tt.limits.burst(); got != tt.want {
			t.Errorf("burst(%+v) = %d, want %d", tt.limits, got, tt.want)
		}
	}
}

func TestRateLimiter_ConfigureZeroRemoves(t *testing.T) {
	rl := NewRateLimiter()
	rl.Configure("b", Limits{Rate: 0.001, Burst: 1})
	rl.Allow("b")
	if rl.Allow("b") {
		t.Fatal("expected limiter to be exhausted")
	}

	rl.Configure("b", Limits{})
	if !rl.Allow("b") {
		t.Error("zero rate should remove the limiter")
	}

	rl.Configure("b", Limits{Rate: 0.001, Burst: 1})
	rl.Remove("b")
	if !rl.Allow("b") {
		t.Error("Remove should drop the limiter")
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter()
	rl.Configure("b", Limits{Rate: 0.001, Burst: 50})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("b") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 50 {
		t.Errorf("allowed = %d, want 50", allowed.Load())
	}
}
