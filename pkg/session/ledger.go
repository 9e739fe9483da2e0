package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
)

var tokenHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

const sessionColumns = `id, principal_id, token_hash, device_info, ip_address, issued_at, expires_at, is_revoked, revoked_at`

// Ledger is the durable record of issued refresh-token sessions
type Ledger struct {
	db    *sql.DB
	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTTL overrides the session lifetime
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLedger creates a ledger on db
func NewLedger(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:    db,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a new session for rawRefresh. Only the hash is stored.
func (l *Ledger) Create(ctx context.Context, principalID int64, rawRefresh string, meta DeviceMeta) (*Session, error) {
	s, err := l.newSession(principalID, rawRefresh, meta)
	if err != nil {
		return nil, err
	}
	if err := insertSession(ctx, l.db, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FindActiveByHash returns the unrevoked session with tokenHash. The session
// may be past its expiry; the caller decides what that means.
func (l *Ledger) FindActiveByHash(ctx context.Context, tokenHash string) (*Session, error) {
	if !tokenHashPattern.MatchString(tokenHash) {
		return nil, ErrNotFound
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE token_hash = $1 AND is_revoked = FALSE`
	s, err := scanSession(l.db.QueryRowContext(ctx, query, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// Revoke marks a session revoked. It reports whether this call made the
// transition; revoking an already revoked or unknown session is not an error.
func (l *Ledger) Revoke(ctx context.Context, sessionID string) (bool, error) {
	result, err := l.db.ExecContext(ctx,
		`UPDATE sessions SET is_revoked = TRUE, revoked_at = $1 WHERE id = $2 AND is_revoked = FALSE`,
		l.now(), sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Rotate revokes oldID and records a session for rawRefresh in one
// transaction. When oldID was already revoked, including by a concurrent
// Rotate, nothing is written and ErrAlreadyRevoked is returned.
func (l *Ledger) Rotate(ctx context.Context, oldID string, principalID int64, rawRefresh string, meta DeviceMeta) (*Session, error) {
	next, err := l.newSession(principalID, rawRefresh, meta)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET is_revoked = TRUE, revoked_at = $1 WHERE id = $2 AND is_revoked = FALSE`,
		next.IssuedAt, oldID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke rotated session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrAlreadyRevoked
	}

	if err := insertSession(ctx, tx, next); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rotation: %w", err)
	}
	return next, nil
}

// RevokeAllForPrincipal revokes every unrevoked session of a principal except
// the one whose hash is exceptHash (empty revokes all). It returns the count.
func (l *Ledger) RevokeAllForPrincipal(ctx context.Context, principalID int64, exceptHash string) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		UPDATE sessions SET is_revoked = TRUE, revoked_at = $1
		WHERE principal_id = $2 AND is_revoked = FALSE AND token_hash <> $3
	`, l.now(), principalID, exceptHash)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// RevokeForPrincipal revokes sessionID only if it belongs to principalID.
// Unknown ids and sessions owned by someone else return ErrNotFound.
func (l *Ledger) RevokeForPrincipal(ctx context.Context, sessionID string, principalID int64) (bool, error) {
	var owner int64
	err := l.db.QueryRowContext(ctx, `SELECT principal_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != principalID) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	return l.Revoke(ctx, sessionID)
}

// ListActive returns unrevoked, unexpired sessions of a principal, newest first
func (l *Ledger) ListActive(ctx context.Context, principalID int64) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE principal_id = $1 AND is_revoked = FALSE AND expires_at > $2
		ORDER BY issued_at DESC`

	rows, err := l.db.QueryContext(ctx, query, principalID, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// ActivePrincipals returns up to limit principals holding an unrevoked,
// unexpired session, most recently issued first
func (l *Ledger) ActivePrincipals(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT principal_id FROM sessions
		WHERE is_revoked = FALSE AND expires_at > $1
		GROUP BY principal_id
		ORDER BY MAX(issued_at) DESC
		LIMIT $2
	`, l.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session principals: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session principal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session principals: %w", err)
	}
	return ids, nil
}

// PurgeExpired hard-deletes sessions that expired more than retention ago
func (l *Ledger) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < 0 {
		return 0, fmt.Errorf("retention must not be negative")
	}
	cutoff := l.now().Add(-retention)

	result, err := l.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// Now returns the ledger clock, so callers apply expiry with the same time source
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) newSession(principalID int64, rawRefresh string, meta DeviceMeta) (*Session, error) {
	if rawRefresh == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	now := l.now()
	return &Session{
		ID:          l.newID(),
		PrincipalID: principalID,
		TokenHash:   auth.HashToken(rawRefresh),
		DeviceInfo:  truncate(meta.DeviceInfo, 512),
		IPAddress:   truncate(meta.IPAddress, 64),
		IssuedAt:    now,
		ExpiresAt:   now.Add(l.ttl),
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertSession(ctx context.Context, db execer, s *Session) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, principal_id, token_hash, device_info, ip_address, issued_at, expires_at, is_revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`, s.ID, s.PrincipalID, s.TokenHash, s.DeviceInfo, s.IPAddress, s.IssuedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var revokedAt sql.NullTime
	if err := row.Scan(
		&s.ID, &s.PrincipalID, &s.TokenHash, &s.DeviceInfo, &s.IPAddress,
		&s.IssuedAt, &s.ExpiresAt, &s.IsRevoked, &revokedAt,
	); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return s, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
