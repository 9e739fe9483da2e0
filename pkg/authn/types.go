package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/session"
)

// LoginState is the terminal state of a login attempt
type LoginState string

const (
	StateUnauthenticated    LoginState = "unauthenticated"
	StateCredentialsChecked LoginState = "credentials_checked"
	StateLocked             LoginState = "locked"
	StateRejected           LoginState = "rejected"
	StateAuthenticated      LoginState = "authenticated"
)

// SessionStore is the session ledger
type SessionStore interface {
	Create(ctx context.Context, principalID int64, rawRefresh string, meta session.DeviceMeta) (*session.Session, error)
	FindActiveByHash(ctx context.Context, tokenHash string) (*session.Session, error)
	Revoke(ctx context.Context, sessionID string) (bool, error)
	Rotate(ctx context.Context, oldID string, principalID int64, rawRefresh string, meta session.DeviceMeta) (*session.Session, error)
	RevokeAllForPrincipal(ctx context.Context, principalID int64, exceptHash string) (int64, error)
	RevokeForPrincipal(ctx context.Context, sessionID string, principalID int64) (bool, error)
	ListActive(ctx context.Context, principalID int64) ([]session.Session, error)
	Now() time.Time
}

// RoleResolver resolves the role names embedded in access tokens
type RoleResolver interface {
	ResolveEffectiveRoleNames(ctx context.Context, principalID int64) ([]rbac.RoleName, error)
}

// PermissionSource returns a principal's effective permissions, normally
// through the permission cache
type PermissionSource interface {
	GetOrCompute(ctx context.Context, principalID int64) (rbac.PermissionSet, error)
}

// MembershipChecker reports whether a principal's membership is in good
// standing. It is owned by another service and optional.
type MembershipChecker interface {
	IsActive(ctx context.Context, principalID int64) (bool, error)
}

// LoginRequest is a password login attempt
type LoginRequest struct {
	Username string
	Password string
	Device   session.DeviceMeta
}

// LoginResult is returned by Login and Refresh. RefreshToken must reach the
// client only through the cookie, never the response body.
type LoginResult struct {
	AccessToken      string                `json:"access_token"`
	ExpiresIn        int64                 `json:"expires_in"`
	RefreshToken     string                `json:"-"`
	RefreshExpiresAt time.Time             `json:"-"`
	CSRFToken        string                `json:"csrf_token"`
	Principal        auth.PrincipalSummary `json:"principal"`
	SessionID        string                `json:"-"`
	State            LoginState            `json:"-"`
}

// StateOf maps the error of a login attempt to its terminal state
func StateOf(err error) LoginState {
	switch {
	case err == nil:
		return StateAuthenticated
	case errors.Is(err, auth.ErrAccountLocked):
		return StateLocked
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrMembershipInactive):
		return StateRejected
	default:
		return StateUnauthenticated
	}
}

// Decision is the outcome of a permission check
type Decision struct {
	PrincipalID int64  `json:"principal_id"`
	Permission  string `json:"permission"`
	Allowed     bool   `json:"allowed"`
}

// Err returns ErrInsufficientPermission for a denial
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: principal %d lacks %s", auth.ErrInsufficientPermission, d.PrincipalID, d.Permission)
}

// PublicMessage returns the text a client may see for err. Credential and
// token failures share one message so callers cannot tell which check
// failed; only a lock is reported explicitly.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrAccountLocked):
		return "account locked"
	case errors.Is(err, auth.ErrInsufficientPermission):
		return "forbidden"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrMembershipInactive),
		errors.Is(err, auth.ErrInvalidRefreshToken),
		errors.Is(err, auth.ErrSessionRevokedOrUnknown),
		errors.Is(err, auth.ErrRefreshTokenExpired),
		auth.IsTokenError(err):
		return "invalid credentials"
	default:
		return "internal error"
	}
}
