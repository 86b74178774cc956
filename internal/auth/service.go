package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"taskflow.io/internal/ids"
)

const (
	defaultAccessTTL  = 60 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "taskflow"

	// minSecretBytes is 256 bits. NewService fails closed below this.
	minSecretBytes = 32

	// refreshSecretBytes is the entropy of the client-held refresh secret.
	refreshSecretBytes = 64
)

// Claims is the fixed access-token claim set. Keeping it a typed struct
// avoids stringly-typed lookups on the consuming side.
type Claims struct {
	Email  string     `json:"email"`
	Name   string     `json:"name"`
	Role   Role       `json:"role"`
	Method AuthMethod `json:"method,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and validates credentials and owns the account lifecycle
// operations that invalidate them.
type Service struct {
	store      Store
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service. It refuses secrets shorter than 256 bits.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: signing secret must be at least %d bytes, got %d", minSecretBytes, len(secret))
	}
	svc := &Service{
		store:      store,
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Register creates a new password-based account. The default role is the
// lowest-privilege one; anything higher must be assigned afterwards by an
// admin.
func (s *Service) Register(ctx context.Context, email, name, password string) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if err := CheckPasswordStrength(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         RoleViewer,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies password credentials and issues a token pair. All failure
// modes collapse into ErrInvalidCredentials, and a bcrypt comparison runs
// even for unknown emails so response timing stays uniform.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, Principal, error) {
	email = NormalizeEmail(email)
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = VerifyPassword("", password)
			return TokenPair{}, Principal{}, ErrInvalidCredentials
		}
		return TokenPair{}, Principal{}, err
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	if user.Status != StatusActive {
		return TokenPair{}, Principal{}, ErrInvalidCredentials
	}
	principal := s.PrincipalForUser(user)
	pair, err := s.IssuePair(ctx, user, MethodPassword)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	return pair, principal, nil
}

// PrincipalForUser derives the request principal for a user account.
func (s *Service) PrincipalForUser(u *User) Principal {
	return Principal{
		UserID:      u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Role:        u.Role,
		Method:      MethodPassword,
		Permissions: PermissionsForRole(u.Role),
	}
}

// IssuePair mints a fresh access/refresh pair for an already authenticated
// user. The federation handler calls this directly after a successful
// callback; the session model afterwards is identical to password login.
// The method is stamped into the access-token claims and onto the refresh
// record, so the whole session keeps reporting how it was established.
func (s *Service) IssuePair(ctx context.Context, u *User, method AuthMethod) (TokenPair, error) {
	now := s.now().UTC()
	access, accessExp, err := s.signAccessToken(u, method, now)
	if err != nil {
		return TokenPair{}, err
	}
	refreshString, rec, err := s.newRefreshToken(u.ID, method, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.RefreshTokens().Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshString,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) signAccessToken(u *User, method AuthMethod, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Email:  u.Email,
		Name:   u.Name,
		Role:   u.Role,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateAccessToken verifies signature, issuer and expiry with zero clock
// skew, and returns the embedded claims as a Principal. The three failure
// kinds stay distinguishable so callers can tell "refresh" from "reject".
func (s *Service) ValidateAccessToken(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrTokenMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenSignature
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, ErrTokenSignature
		default:
			return Principal{}, ErrTokenMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrTokenMalformed
	}
	role, ok := ParseRole(string(claims.Role))
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrTokenMalformed
	}
	// Tokens minted before the method claim existed carry none; those were
	// all password sessions.
	method := MethodPassword
	if claims.Method == MethodFederated {
		method = MethodFederated
	}
	return Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		Role:        role,
		Method:      method,
		Permissions: PermissionsForRole(role),
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) newRefreshToken(userID string, method AuthMethod, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		ID:         ids.New(),
		UserID:     userID,
		SecretHash: hashSecret(secret),
		Method:     method,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

// Rotate exchanges a refresh token for a fresh pair, revoking the old token
// in the same transaction. Rotation is single-use: of two concurrent calls
// with the same token exactly one succeeds.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (TokenPair, Principal, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return TokenPair{}, Principal{}, ErrTokenMalformed
	}

	record, err := s.store.RefreshTokens().Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrTokenRevoked
		}
		return TokenPair{}, Principal{}, err
	}
	if !secureCompareHash(record.SecretHash, secret) {
		// Wrong secret against a real record id smells like token theft;
		// kill the session outright.
		_ = s.store.RefreshTokens().Consume(ctx, record.ID)
		return TokenPair{}, Principal{}, ErrTokenRevoked
	}
	if record.Revoked {
		return TokenPair{}, Principal{}, ErrTokenRevoked
	}
	if s.now().UTC().After(record.ExpiresAt) {
		return TokenPair{}, Principal{}, ErrTokenExpired
	}

	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, Principal{}, err
	}
	if user.Status != StatusActive {
		return TokenPair{}, Principal{}, ErrTokenRevoked
	}

	// The rotated session keeps the method it was established with.
	method := record.Method
	if method == "" {
		method = MethodPassword
	}

	var pair TokenPair
	err = s.store.WithinTx(ctx, func(tx Store) error {
		if err := tx.RefreshTokens().Consume(ctx, record.ID); err != nil {
			return err
		}
		now := s.now().UTC()
		access, accessExp, err := s.signAccessToken(user, method, now)
		if err != nil {
			return err
		}
		refreshString, rec, err := s.newRefreshToken(user.ID, method, now)
		if err != nil {
			return err
		}
		if err := tx.RefreshTokens().Create(ctx, rec); err != nil {
			return err
		}
		pair = TokenPair{
			AccessToken:      access,
			RefreshToken:     refreshString,
			AccessExpiresAt:  accessExp,
			RefreshExpiresAt: rec.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Principal{}, ErrTokenRevoked
		}
		return TokenPair{}, Principal{}, err
	}
	principal := s.PrincipalForUser(user)
	principal.Method = method
	return pair, principal, nil
}

// Logout revokes the presented refresh token. Revoking an already revoked
// or unknown token is a no-op.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tokenID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrTokenMalformed
	}
	err = s.store.RefreshTokens().Consume(ctx, tokenID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTokenRevoked) {
		return nil
	}
	return err
}

// ChangePassword updates the password hash and invalidates every
// outstanding refresh token for the user in one transaction.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	if err := CheckPasswordStrength(next); err != nil {
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.store.WithinTx(ctx, func(tx Store) error {
		user.PasswordHash = hash
		user.UpdatedAt = s.now().UTC()
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeAllForUser(ctx, userID)
	})
}

// ChangeRole reassigns the user's role. Like a password change this is a
// security-sensitive mutation, so all refresh tokens are revoked.
func (s *Service) ChangeRole(ctx context.Context, userID string, role Role) error {
	if _, ok := ParseRole(string(role)); !ok {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.WithinTx(ctx, func(tx Store) error {
		user.Role = role
		user.UpdatedAt = s.now().UTC()
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		return tx.RefreshTokens().RevokeAllForUser(ctx, userID)
	})
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
