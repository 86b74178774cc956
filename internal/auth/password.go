package auth

import (
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a valid bcrypt hash of a throwaway value. Login runs a
// comparison against it when the email is unknown so that the timing of a
// failed login does not reveal whether the account exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		hash = dummyHash
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// CheckPasswordStrength enforces the registration policy: at least eight
// characters and at least one digit.
func CheckPasswordStrength(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	if !strings.ContainsFunc(password, unicode.IsDigit) {
		return ErrWeakPassword
	}
	return nil
}
