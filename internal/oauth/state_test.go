package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewStateIsUnique(t *testing.T) {
	a, err := NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	b, err := NewState()
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if a == b {
		t.Fatal("two states must not collide")
	}
	if len(a) < 40 {
		t.Fatalf("state too short to be unguessable: %d chars", len(a))
	}
}

func TestMemoryStateStoreTakeConsumes(t *testing.T) {
	s := NewMemoryStateStore()
	ctx := context.Background()

	if err := s.Put(ctx, "abc", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Take(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("first Take = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.Take(ctx, "abc")
	if err != nil || ok {
		t.Fatalf("second Take = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	s := NewMemoryStateStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Put(ctx, "abc", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if ok, err := s.Take(ctx, "abc"); err != nil || ok {
		t.Fatalf("expired Take = (%v, %v), want (false, nil)", ok, err)
	}
}

func newRedisStateStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client), srv
}

func TestRedisStateStoreTakeConsumes(t *testing.T) {
	s, _ := newRedisStateStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "abc", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := s.Take(ctx, "abc")
	if err != nil || !ok {
		t.Fatalf("first Take = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.Take(ctx, "abc")
	if err != nil || ok {
		t.Fatalf("second Take = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRedisStateStoreExpiry(t *testing.T) {
	s, srv := newRedisStateStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "abc", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	srv.FastForward(2 * time.Minute)
	if ok, err := s.Take(ctx, "abc"); err != nil || ok {
		t.Fatalf("expired Take = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestRedisStateStoreSurfacesErrors(t *testing.T) {
	s, srv := newRedisStateStore(t)
	srv.Close()
	if _, err := s.Take(context.Background(), "abc"); err == nil {
		t.Fatal("expected an error from a broken store")
	}
}
