// Package resilience holds local protections applied before a backend is called.
package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limits configures the token bucket of one backend.
type Limits struct {
	// Rate is the sustained number of requests per second. Zero disables limiting.
	Rate float64
	// Burst is the bucket capacity. Defaults to max(1, ceil(Rate)).
	Burst int
}

func (l Limits) burst() int {
	if l.Burst > 0 {
		return l.Burst
	}
	b := int(l.Rate)
	if float64(b) < l.Rate {
		b++
	}
	if b < 1 {
		b = 1
	}
	return b
}

// RateLimiter keeps one token bucket per backend. Backends without a bucket
// are never limited.
type RateLimiter struct {
	buckets sync.Map // backend id -> *rate.Limiter
}

// NewRateLimiter creates an empty limiter set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{}
}

// Configure installs or replaces the bucket of backendID. A non-positive rate
// removes it.
func (rl *RateLimiter) Configure(backendID string, limits Limits) {
	if limits.Rate <= 0 {
		rl.buckets.Delete(backendID)
		return
	}
	rl.buckets.Store(backendID, rate.NewLimiter(rate.Limit(limits.Rate), limits.burst()))
}

// Allow consumes a token for backendID and reports whether the call may proceed.
func (rl *RateLimiter) Allow(backendID string) bool {
	v, ok := rl.buckets.Load(backendID)
	if !ok {
		return true
	}
	return v.(*rate.Limiter).Allow()
}

// Tokens returns the tokens currently available to backendID, or -1 when the
// backend is not limited.
func (rl *RateLimiter) Tokens(backendID string) float64 {
	v, ok := rl.buckets.Load(backendID)
	if !ok {
		return -1
	}
	return v.(*rate.Limiter).Tokens()
}

// Remove drops the bucket of backendID.
func (rl *RateLimiter) Remove(backendID string) {
	rl.buckets.Delete(backendID)
}
