// Package pg persists credentials in Postgres through database/sql and the
// pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"taskflow.io/internal/auth"
)

//go:embed schema.sql
var schema string

const pgErrUniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements auth.Store on Postgres. Inside WithinTx the view runs on
// the transaction, so rotation's revoke-and-issue commits atomically.
type Store struct {
	db *sql.DB
	q  querier
}

var _ auth.Store = (*Store)(nil)

// Open connects and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Users() auth.UserStore                 { return (*pgUsers)(s) }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return (*pgRefreshTokens)(s) }
func (s *Store) APIKeys() auth.APIKeyStore             { return (*pgAPIKeys)(s) }

// WithinTx runs fn against a transactional view of the store. A nested call
// keeps running on the already open transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(auth.Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// --- users ---

type pgUsers Store

const userColumns = `id, email, name, password_hash, role, status, federated_id, picture_url, created_at, updated_at`

func (s *pgUsers) Create(ctx context.Context, u *auth.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Status, u.FederatedID, u.PictureURL, u.CreatedAt, u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *pgUsers) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.findBy(ctx, `id = $1`, id)
}

func (s *pgUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.findBy(ctx, `email = $1`, email)
}

func (s *pgUsers) FindByFederatedID(ctx context.Context, federatedID string) (*auth.User, error) {
	if federatedID == "" {
		return nil, auth.ErrNotFound
	}
	return s.findBy(ctx, `federated_id = $1`, federatedID)
}

func (s *pgUsers) findBy(ctx context.Context, cond string, arg any) (*auth.User, error) {
	var u auth.User
	err := s.q.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Status,
		&u.FederatedID, &u.PictureURL, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *pgUsers) Update(ctx context.Context, u *auth.User) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set email=$2, name=$3, password_hash=$4, role=$5, status=$6,
		    federated_id=$7, picture_url=$8, updated_at=$9
		where id=$1
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Status, u.FederatedID, u.PictureURL, u.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// --- refresh tokens ---

type pgRefreshTokens Store

func (s *pgRefreshTokens) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.q.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, secret_hash, method, issued_at, expires_at, revoked)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, tok.ID, tok.UserID, tok.SecretHash, string(tok.Method), tok.IssuedAt, tok.ExpiresAt, tok.Revoked)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *pgRefreshTokens) Find(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var tok auth.RefreshToken
	var method string
	err := s.q.QueryRowContext(ctx, `
		select id, user_id, secret_hash, method, issued_at, expires_at, revoked
		from refresh_tokens where id=$1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.SecretHash, &method, &tok.IssuedAt, &tok.ExpiresAt, &tok.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.Method = auth.AuthMethod(method)
	return &tok, nil
}

// Consume flips the revoked flag with a guarded update, so of two
// concurrent rotations exactly one sees RowsAffected == 1.
func (s *pgRefreshTokens) Consume(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		update refresh_tokens set revoked = true where id=$1 and not revoked
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var revoked bool
	err = s.q.QueryRowContext(ctx, `select revoked from refresh_tokens where id=$1`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	return auth.ErrTokenRevoked
}

func (s *pgRefreshTokens) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		update refresh_tokens set revoked = true where user_id=$1 and not revoked
	`, userID)
	return err
}

// --- api keys ---

type pgAPIKeys Store

func (s *pgAPIKeys) Create(ctx context.Context, key *auth.APIKey) error {
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		insert into api_keys (id, owner_id, label, secret_hash, permissions, expires_at, active, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, key.ID, key.OwnerID, key.Label, key.SecretHash, perms, key.ExpiresAt, key.Active, key.CreatedAt, key.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return auth.ErrAlreadyExists
	}
	return err
}

func (s *pgAPIKeys) Find(ctx context.Context, id string) (*auth.APIKey, error) {
	return s.findBy(ctx, `id = $1`, id)
}

func (s *pgAPIKeys) FindByHash(ctx context.Context, secretHash string) (*auth.APIKey, error) {
	return s.findBy(ctx, `secret_hash = $1`, secretHash)
}

func (s *pgAPIKeys) findBy(ctx context.Context, cond string, arg any) (*auth.APIKey, error) {
	var (
		key   auth.APIKey
		perms []byte
	)
	err := s.q.QueryRowContext(ctx, `
		select id, owner_id, label, secret_hash, permissions, expires_at, active, created_at, updated_at
		from api_keys where `+cond, arg).Scan(
		&key.ID, &key.OwnerID, &key.Label, &key.SecretHash, &perms,
		&key.ExpiresAt, &key.Active, &key.CreatedAt, &key.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		if err := json.Unmarshal(perms, &key.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return &key, nil
}

func (s *pgAPIKeys) Deactivate(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		update api_keys set active = false, updated_at = now() where id=$1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
