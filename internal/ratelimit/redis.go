package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript increments the bucket and arms the window expiry in one atomic
// round trip. Returning the TTL alongside the count lets us compute the
// reset time without a second call.
var allowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisLimiter is a fixed-window counter backed by a shared Redis, so every
// API instance sees the same counts.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

var _ Limiter = (*RedisLimiter)(nil)

// Allow counts one request against the key's current window. Store errors
// are returned as-is; the caller decides fail-open versus fail-closed from
// the rule.
func (l *RedisLimiter) Allow(ctx context.Context, key string, rule Rule) (Decision, error) {
	res, err := allowScript.Run(ctx, l.client, []string{"ratelimit:" + key}, rule.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis: %w", err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %#v", res)
	}
	count := asInt64(arr[0])
	ttlMs := asInt64(arr[1])
	if ttlMs < 0 {
		// Key exists without expiry (should not happen); treat the full
		// window as remaining rather than leaking a counter forever.
		ttlMs = rule.Window.Milliseconds()
	}

	now := l.now()
	reset := now.Add(time.Duration(ttlMs) * time.Millisecond)
	d := Decision{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: rule.Limit - int(count),
		Reset:     reset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(ttlMs) * time.Millisecond
	}
	return d, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
