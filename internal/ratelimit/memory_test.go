package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLimiterRejectsOverLimit(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	lim := NewMemoryLimiter().WithClock(func() time.Time { return clock })
	rule := Rule{Limit: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		d, err := lim.Allow(context.Background(), "caller", rule)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("request %d: remaining %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d, err := lim.Allow(context.Background(), "caller", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("request over the limit must be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Fatalf("remaining should floor at zero, got %d", d.Remaining)
	}
}

func TestMemoryLimiterResetsAtWindowBoundary(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := base
	lim := NewMemoryLimiter().WithClock(func() time.Time { return clock })
	rule := Rule{Limit: 1, Window: time.Minute}

	if d, _ := lim.Allow(context.Background(), "caller", rule); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d, _ := lim.Allow(context.Background(), "caller", rule); d.Allowed {
		t.Fatal("second request in the same window should fail")
	}

	// First request of the next window succeeds; the counter does not carry
	// over the boundary.
	clock = base.Add(time.Minute)
	if d, _ := lim.Allow(context.Background(), "caller", rule); !d.Allowed {
		t.Fatal("first request of the next window should pass")
	}
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	lim := NewMemoryLimiter()
	rule := Rule{Limit: 1, Window: time.Minute}

	if d, _ := lim.Allow(context.Background(), "a", rule); !d.Allowed {
		t.Fatal("key a should pass")
	}
	if d, _ := lim.Allow(context.Background(), "b", rule); !d.Allowed {
		t.Fatal("key b must not share key a's bucket")
	}
}

func TestResolveFailModes(t *testing.T) {
	now := time.Now()
	storeErr := errors.New("store down")

	open := Resolve(Decision{}, storeErr, Rule{Limit: 10, Window: time.Minute, FailMode: FailOpen}, now)
	if !open.Allowed {
		t.Fatal("fail-open must allow on store error")
	}

	closed := Resolve(Decision{}, storeErr, Rule{Limit: 5, Window: 5 * time.Minute, FailMode: FailClosed}, now)
	if closed.Allowed {
		t.Fatal("fail-closed must deny on store error")
	}
	if closed.RetryAfter != 5*time.Minute {
		t.Fatalf("unexpected retry-after: %v", closed.RetryAfter)
	}

	passthrough := Resolve(Decision{Allowed: true, Remaining: 4}, nil, Rule{}, now)
	if !passthrough.Allowed || passthrough.Remaining != 4 {
		t.Fatalf("nil error must pass the decision through: %+v", passthrough)
	}
}
