package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery controls how often stale buckets are evicted, counted in
// Allow calls.
const sweepEvery = 4096

// MemoryLimiter is a single-process fixed-window counter. Suitable for one
// instance; multi-instance deployments should use the Redis limiter so all
// replicas share one set of counters.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
	now     func() time.Time
}

type bucket struct {
	windowStart time.Time
	window      time.Duration
	count       int
}

// NewMemoryLimiter returns an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *MemoryLimiter) WithClock(fn func() time.Time) *MemoryLimiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

var _ Limiter = (*MemoryLimiter)(nil)

// Allow performs one atomic increment-and-check against the bucket for key.
// Window boundaries are computed by truncation, so the counter resets
// exactly at the boundary with no double counting.
func (l *MemoryLimiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !b.windowStart.Equal(windowStart) {
		b = &bucket{windowStart: windowStart, window: rule.Window}
		l.buckets[key] = b
	}
	b.count++

	l.calls++
	if l.calls >= sweepEvery {
		l.calls = 0
		l.sweepLocked(now)
	}

	reset := windowStart.Add(rule.Window)
	d := Decision{
		Allowed:   b.count <= rule.Limit,
		Limit:     rule.Limit,
		Remaining: rule.Limit - b.count,
		Reset:     reset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = reset.Sub(now)
	}
	return d, nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.windowStart) > 2*b.window {
			delete(l.buckets, key)
		}
	}
}
