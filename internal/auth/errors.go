package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown email, wrong password and
	// non-active accounts alike; callers must not be able to tell which.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired means the token was well-formed and correctly signed
	// but its lifetime has passed; the caller should refresh.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenMalformed means the token could not be parsed at all.
	ErrTokenMalformed = errors.New("auth: token malformed")

	// ErrTokenSignature means the token parsed but its signature did not
	// verify against the configured secret.
	ErrTokenSignature = errors.New("auth: token signature invalid")

	// ErrTokenRevoked means a refresh token or API key exists but has been
	// invalidated. A rotated refresh token always validates to this.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrForbidden means the caller is authenticated but lacks the role or
	// permission an operation declares.
	ErrForbidden = errors.New("auth: forbidden")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrWeakPassword  = errors.New("auth: password too weak")
	ErrInvalidInput  = errors.New("auth: invalid input")
)
