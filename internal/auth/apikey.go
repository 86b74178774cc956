package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskflow.io/internal/ids"
)

// apiKeyPrefix identifies TaskFlow keys in logs and secret scanners.
const apiKeyPrefix = "tf_"

// apiKeySecretBytes is 256 bits of entropy per key.
const apiKeySecretBytes = 32

// KeyManager issues, validates and revokes API keys for machine callers.
type KeyManager struct {
	keys APIKeyStore
	now  func() time.Time
}

// NewKeyManager constructs a KeyManager over the given key store.
func NewKeyManager(keys APIKeyStore) *KeyManager {
	return &KeyManager{keys: keys, now: time.Now}
}

// WithKeyClock overrides the manager's time source for tests.
func (m *KeyManager) WithKeyClock(fn func() time.Time) *KeyManager {
	if fn != nil {
		m.now = fn
	}
	return m
}

// IssueKey creates a new key owned by ownerID. The returned raw value is
// shown exactly once; only its hash is persisted, so a lost key must be
// regenerated.
func (m *KeyManager) IssueKey(ctx context.Context, ownerID, label string, permissions []string, ttl time.Duration) (*APIKey, string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, "", fmt.Errorf("%w: label is required", ErrInvalidInput)
	}
	granted := dedupePermissions(permissions)
	if len(granted) == 0 {
		return nil, "", fmt.Errorf("%w: at least one permission is required", ErrInvalidInput)
	}
	for _, p := range granted {
		if !KnownPermission(p) {
			return nil, "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, p)
		}
	}

	secretBytes := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	raw := apiKeyPrefix + base64.RawURLEncoding.EncodeToString(secretBytes)

	now := m.now().UTC()
	key := &APIKey{
		ID:          ids.New(),
		OwnerID:     ownerID,
		Label:       label,
		SecretHash:  hashSecret(raw),
		Permissions: granted,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.keys.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// ValidateKey resolves a raw key value to a Principal. Lookup is by hash so
// a linear scan over raw values can never leak timing. The principal's
// permission set is exactly the key's granted list, never the owner's role.
func (m *KeyManager) ValidateKey(ctx context.Context, raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		return Principal{}, ErrTokenMalformed
	}
	encoded := strings.TrimPrefix(raw, apiKeyPrefix)
	if encoded == "" {
		return Principal{}, ErrTokenMalformed
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return Principal{}, ErrTokenMalformed
	}

	key, err := m.keys.FindByHash(ctx, hashSecret(raw))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidCredentials
		}
		return Principal{}, err
	}
	if !key.Active {
		return Principal{}, ErrTokenRevoked
	}
	now := m.now().UTC()
	if key.Expired(now) {
		return Principal{}, ErrTokenExpired
	}

	perms := make(map[string]struct{}, len(key.Permissions))
	for _, p := range key.Permissions {
		perms[p] = struct{}{}
	}
	principal := Principal{
		UserID:      key.OwnerID,
		Method:      MethodAPIKey,
		Permissions: perms,
	}
	if key.ExpiresAt != nil {
		principal.ExpiresAt = *key.ExpiresAt
	}
	return principal, nil
}

// Revoke deactivates a key. Revoking an already revoked key is a no-op.
func (m *KeyManager) Revoke(ctx context.Context, keyID string) error {
	return m.keys.Deactivate(ctx, keyID)
}

// Find returns the key record without its secret material.
func (m *KeyManager) Find(ctx context.Context, keyID string) (*APIKey, error) {
	return m.keys.Find(ctx, keyID)
}

func dedupePermissions(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
