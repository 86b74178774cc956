package auth

import "context"

// Store describes persistence required by the auth subsystem. WithinTx runs
// fn against a transactional view so multi-step operations such as refresh
// rotation cannot be observed half-done.
type Store interface {
	Users() UserStore
	RefreshTokens() RefreshTokenStore
	APIKeys() APIKeyStore
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByFederatedID(ctx context.Context, federatedID string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	// Consume atomically flips the revoked flag. It returns ErrTokenRevoked
	// when the token was already revoked, so of two concurrent rotations
	// exactly one wins.
	Consume(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}

// APIKeyStore manages machine credentials. Keys are deactivated, never
// deleted.
type APIKeyStore interface {
	Create(ctx context.Context, key *APIKey) error
	Find(ctx context.Context, id string) (*APIKey, error)
	FindByHash(ctx context.Context, secretHash string) (*APIKey, error)
	Deactivate(ctx context.Context, id string) error
}
