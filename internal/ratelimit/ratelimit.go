// Package ratelimit provides fixed-window request counters keyed by caller
// and endpoint class, with in-memory and Redis-backed stores behind one
// interface.
package ratelimit

import (
	"context"
	"time"
)

// FailMode decides what happens when the counting store is unreachable.
// Login-class endpoints fail closed to resist brute force; general browsing
// fails open to preserve availability.
type FailMode int

const (
	FailClosed FailMode = iota
	FailOpen
)

// Rule is a limit/window pair for one endpoint class.
type Rule struct {
	Limit    int
	Window   time.Duration
	FailMode FailMode
}

// Decision is the outcome of a single increment-and-check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

// Limiter counts a request against a bucket and reports whether it fits the
// rule. Implementations must make the increment-and-check atomic per bucket.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Decision, error)
}

// Resolve applies the rule's fail mode to a store error. Callers pass the
// decision through unchanged when err is nil.
func Resolve(d Decision, err error, rule Rule, now time.Time) Decision {
	if err == nil {
		return d
	}
	if rule.FailMode == FailOpen {
		return Decision{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: rule.Limit,
			Reset:     now.Add(rule.Window),
		}
	}
	return Decision{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  0,
		Reset:      now.Add(rule.Window),
		RetryAfter: rule.Window,
	}
}
