package auth

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-protected in-memory Store used by tests and by the
// dev server when no Postgres DSN is configured.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	tokens  map[string]*RefreshToken
	apiKeys map[string]*APIKey
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		tokens:  make(map[string]*RefreshToken),
		apiKeys: make(map[string]*APIKey),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Users() UserStore                 { return (*memoryUsers)(s) }
func (s *MemoryStore) RefreshTokens() RefreshTokenStore { return (*memoryTokens)(s) }
func (s *MemoryStore) APIKeys() APIKeyStore             { return (*memoryKeys)(s) }

// WithinTx runs fn under the store mutex-free view. The in-memory store is
// already serialized per operation; the callback just reuses the same store.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

type memoryUsers MemoryStore

func (s *memoryUsers) Create(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memoryUsers) Find(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memoryUsers) FindByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryUsers) FindByFederatedID(ctx context.Context, federatedID string) (*User, error) {
	if federatedID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.FederatedID == federatedID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryUsers) Update(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

type memoryTokens MemoryStore

func (s *memoryTokens) Create(ctx context.Context, tok *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tok
	s.tokens[tok.ID] = &cp
	return nil
}

func (s *memoryTokens) Find(ctx context.Context, id string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memoryTokens) Consume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	if tok.Revoked {
		return ErrTokenRevoked
	}
	tok.Revoked = true
	return nil
}

func (s *memoryTokens) RevokeAllForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range s.tokens {
		if tok.UserID == userID {
			tok.Revoked = true
		}
	}
	return nil
}

type memoryKeys MemoryStore

func (s *memoryKeys) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	cp.Permissions = append([]string(nil), key.Permissions...)
	s.apiKeys[key.ID] = &cp
	return nil
}

func (s *memoryKeys) Find(ctx context.Context, id string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	cp.Permissions = append([]string(nil), key.Permissions...)
	return &cp, nil
}

func (s *memoryKeys) FindByHash(ctx context.Context, secretHash string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.apiKeys {
		if key.SecretHash == secretHash {
			cp := *key
			cp.Permissions = append([]string(nil), key.Permissions...)
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryKeys) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	key.Active = false
	return nil
}
