package auth

import (
	"strings"
	"time"
)

// Role is the single coarse-grained role attached to a user account.
type Role string

const (
	RoleAdmin          Role = "admin"
	RoleProjectManager Role = "project_manager"
	RoleDeveloper      Role = "developer"
	RoleViewer         Role = "viewer"
)

// ParseRole normalizes a raw role string. Unknown values are rejected so a
// bad claim or request body can never grant an unmapped role.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.TrimSpace(strings.ToLower(raw))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleProjectManager:
		return RoleProjectManager, true
	case RoleDeveloper:
		return RoleDeveloper, true
	case RoleViewer:
		return RoleViewer, true
	}
	return "", false
}

// Status is the account lifecycle state. Accounts are never hard-deleted.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// AuthMethod records how a principal was established.
type AuthMethod string

const (
	MethodPassword  AuthMethod = "password"
	MethodFederated AuthMethod = "federated"
	MethodAPIKey    AuthMethod = "api_key"
)

// User is the identity record. Email is stored lower-cased and is globally
// unique. PasswordHash is empty for federated-only accounts.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	FederatedID  string    `json:"-"`
	PictureURL   string    `json:"picture_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshToken is the persisted half of an opaque refresh credential. Only
// the SHA-256 hash of the client-held secret is stored.
type RefreshToken struct {
	ID         string
	UserID     string
	SecretHash string
	Method     AuthMethod
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
}

// APIKey is a long-lived machine credential. The raw value is shown exactly
// once at issuance; only its hash is kept. Revoked keys stay on record for
// audit.
type APIKey struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Label       string     `json:"label"`
	SecretHash  string     `json:"-"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Expired reports whether the key is past its expiration, if it has one.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// TokenPair is the result of a successful login, federation callback or
// refresh rotation.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Principal is the resolved identity attached to one request. It is built
// fresh from a validated token or key and never persisted.
type Principal struct {
	UserID      string
	Email       string
	Name        string
	Role        Role
	Method      AuthMethod
	Permissions map[string]struct{}
	ExpiresAt   time.Time
}

// HasPermission reports whether the principal carries the permission key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// NormalizeEmail lower-cases and trims an email for storage and comparison.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
