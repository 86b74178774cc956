package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore keeps the single-use state values for in-flight authorization
// flows. Take consumes a value: a second Take of the same state reports it
// as unknown.
type StateStore interface {
	Put(ctx context.Context, state string, ttl time.Duration) error
	Take(ctx context.Context, state string) (bool, error)
}

// NewState returns a fresh unguessable state value.
func NewState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryStateStore is a single-process StateStore.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

// NewMemoryStateStore returns an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		states: make(map[string]time.Time),
		now:    time.Now,
	}
}

var _ StateStore = (*MemoryStateStore)(nil)

// Put stores the state until its TTL passes.
func (s *MemoryStateStore) Put(ctx context.Context, state string, ttl time.Duration) error {
	if state == "" {
		return errors.New("oauth: state is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Evict anything already past its deadline while we hold the lock.
	for k, deadline := range s.states {
		if now.After(deadline) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(ttl)
	return nil
}

// Take consumes the state, reporting whether it was present and unexpired.
func (s *MemoryStateStore) Take(ctx context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)
	return !s.now().After(deadline), nil
}

// RedisStateStore shares state values across API instances, so the callback
// may land on a different replica than the one that started the flow.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore wraps an existing Redis client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

var _ StateStore = (*RedisStateStore)(nil)

const redisStatePrefix = "oauthstate:"

// Put stores the state with its TTL.
func (s *RedisStateStore) Put(ctx context.Context, state string, ttl time.Duration) error {
	if state == "" {
		return errors.New("oauth: state is empty")
	}
	return s.client.Set(ctx, redisStatePrefix+state, "1", ttl).Err()
}

// Take consumes the state with a single GETDEL so concurrent callbacks
// cannot both succeed.
func (s *RedisStateStore) Take(ctx context.Context, state string) (bool, error) {
	err := s.client.GetDel(ctx, redisStatePrefix+state).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
