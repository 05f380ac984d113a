// Package ratelimit implements the per-key token bucket shared by HTTP
// submission and the /mcp JSON-RPC dispatcher (spec.md §4.3). Both
// surfaces key on the caller's bearer token, so one limiter instance is
// enough for the whole service.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Clock is overridable for deterministic tests.
type Clock func() time.Time

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a per-key token bucket. Rate and burst are fixed at
// construction; buckets are created lazily on first use of a key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity float64 // burst, floored at 1
	refill   float64 // tokens per second

	ratePerMinute int
	clock         Clock
}

// New builds a Limiter configured with R requests/minute and burst B, per
// spec.md §4.3: capacity = B (floored at 1), refill = R/60.
func New(ratePerMinute, burst int) *Limiter {
	return NewWithClock(ratePerMinute, burst, time.Now)
}

func NewWithClock(ratePerMinute, burst int, clock Clock) *Limiter {
	if ratePerMinute < 1 {
		ratePerMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:       make(map[string]*bucket),
		capacity:      float64(burst),
		refill:        float64(ratePerMinute) / 60.0,
		ratePerMinute: ratePerMinute,
		clock:         clock,
	}
}

// Result carries the disclosure headers described in spec.md §4.3 as well
// as the allow/deny verdict.
type Result struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetSeconds   int
}

// Check consumes one token for key if available. Allocation, refill, and
// deduction all happen under a single map lock; there is no per-bucket
// lock since contention is expected to be low and buckets are cheap.
func (l *Limiter) Check(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed > 0 {
			b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refill)
			b.lastRefill = now
		}
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}

	reset := 0
	if deficit := 1 - b.tokens; deficit > 0 && l.refill > 0 {
		reset = int(math.Ceil(deficit / l.refill))
	}

	return Result{
		Allowed:      allowed,
		Limit:        l.ratePerMinute,
		Remaining:    int(math.Floor(b.tokens)),
		ResetSeconds: reset,
	}
}
