package auth

import "errors"

// Credential and token errors. Callers compare with errors.Is; the wrapped
// detail is for logs only and must never be shown to clients.
var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrAccountLocked           = errors.New("account locked")
	ErrMembershipInactive      = errors.New("membership inactive")
	ErrTokenMalformed          = errors.New("token malformed")
	ErrTokenExpired            = errors.New("token expired")
	ErrTokenBadSignature       = errors.New("token signature invalid")
	ErrInvalidRefreshToken     = errors.New("invalid refresh token")
	ErrSessionRevokedOrUnknown = errors.New("session revoked or unknown")
	ErrRefreshTokenExpired     = errors.New("refresh token expired")
	ErrInsufficientPermission  = errors.New("insufficient permission")
	ErrConfigurationMissing    = errors.New("configuration missing")
	ErrPrincipalNotFound       = errors.New("principal not found")
)

// IsTokenError reports whether err is one of the token verification failures.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenBadSignature)
}
