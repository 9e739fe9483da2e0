package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLockoutThreshold is the number of consecutive failures that locks an account
const DefaultLockoutThreshold = 5

// Principal is an authenticatable identity
type Principal struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	IsLocked       bool      `json:"is_locked"`
	FailedAttempts int       `json:"failed_attempts"`
	EmailVerified  bool      `json:"email_verified"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Summary returns the client-facing view of the principal
func (p *Principal) Summary(roles []string) PrincipalSummary {
	return PrincipalSummary{
		ID:            p.ID,
		Username:      p.Username,
		EmailVerified: p.EmailVerified,
		Roles:         roles,
	}
}

// PrincipalSummary is returned to clients after login or refresh
type PrincipalSummary struct {
	ID            int64    `json:"id"`
	Username      string   `json:"username"`
	EmailVerified bool     `json:"email_verified"`
	Roles         []string `json:"roles"`
}

// LoginCounters is the lock state after a login outcome was recorded
type LoginCounters struct {
	FailedAttempts int
	IsLocked       bool
}

// CredentialStore is the boundary to principal records
type CredentialStore interface {
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	RecordLoginOutcome(ctx context.Context, principalID int64, success bool) (LoginCounters, error)
}

// SQLCredentialStore implements CredentialStore on the principals table
type SQLCredentialStore struct {
	db            *sql.DB
	lockThreshold int
	now           func() time.Time
}

// NewSQLCredentialStore creates a credential store. A threshold <= 0 uses DefaultLockoutThreshold.
func NewSQLCredentialStore(db *sql.DB, lockThreshold int) *SQLCredentialStore {
	if lockThreshold <= 0 {
		lockThreshold = DefaultLockoutThreshold
	}
	return &SQLCredentialStore{
		db:            db,
		lockThreshold: lockThreshold,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// FindByUsername loads a principal by username (case-insensitive)
func (s *SQLCredentialStore) FindByUsername(ctx context.Context, username string) (*Principal, error) {
	query := `
		SELECT id, username, password_hash, is_locked, failed_attempts, email_verified, is_active, created_at, updated_at
		FROM principals
		WHERE LOWER(username) = LOWER($1)
	`

	p := &Principal{}
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(username)).Scan(
		&p.ID, &p.Username, &p.PasswordHash, &p.IsLocked, &p.FailedAttempts,
		&p.EmailVerified, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	return p, nil
}

// RecordLoginOutcome resets the counter on success. On failure it increments
// the counter and sets is_locked once the threshold is reached, in a single
// statement so concurrent failures are all counted.
func (s *SQLCredentialStore) RecordLoginOutcome(ctx context.Context, principalID int64, success bool) (LoginCounters, error) {
	var (
		query string
		args  []interface{}
	)
	if success {
		query = `
			UPDATE principals
			SET failed_attempts = 0, updated_at = $1
			WHERE id = $2
			RETURNING failed_attempts, is_locked
		`
		args = []interface{}{s.now(), principalID}
	} else {
		query = `
			UPDATE principals
			SET failed_attempts = failed_attempts + 1,
				is_locked = CASE WHEN failed_attempts + 1 >= $1 THEN TRUE ELSE is_locked END,
				updated_at = $2
			WHERE id = $3
			RETURNING failed_attempts, is_locked
		`
		args = []interface{}{s.lockThreshold, s.now(), principalID}
	}

	var counters LoginCounters
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&counters.FailedAttempts, &counters.IsLocked)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginCounters{}, ErrPrincipalNotFound
	}
	if err != nil {
		return LoginCounters{}, fmt.Errorf("failed to record login outcome: %w", err)
	}
	return counters, nil
}

// CreatePrincipal inserts a principal. Principal management is owned by another
// service; this exists for bootstrap and tests.
func (s *SQLCredentialStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	now := s.now()
	query := `
		INSERT INTO principals (username, password_hash, is_locked, failed_attempts, email_verified, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		strings.TrimSpace(p.Username), p.PasswordHash, p.IsLocked, p.FailedAttempts,
		p.EmailVerified, p.IsActive, now, now,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create principal: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// Unlock clears the lock and the failure counter (administrative action)
func (s *SQLCredentialStore) Unlock(ctx context.Context, principalID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE principals SET is_locked = FALSE, failed_attempts = 0, updated_at = $1 WHERE id = $2`,
		s.now(), principalID,
	)
	if err != nil {
		return fmt.Errorf("failed to unlock principal: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}
