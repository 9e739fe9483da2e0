// Package auth provides the credential primitives of spoke-iam: signed access
// and refresh tokens, token hashing, CSRF tokens, password verification and the
// credential store that tracks failed login attempts.
//
// # Tokens
//
// Access and refresh tokens are HS256 JWTs signed with two independent secrets.
// Access tokens carry a snapshot of the principal's role names and expire after
// 30 minutes. Refresh tokens carry no roles, expire after 24 hours and have a
// unique jti so that no two issued refresh tokens hash to the same value.
//
//	signer, err := auth.NewSigner(auth.SignerConfig{
//		AccessSecret:  []byte(cfg.AccessSecret),
//		RefreshSecret: []byte(cfg.RefreshSecret),
//	})
//	access, err := signer.IssueAccess(principal.ID, principal.Username, roles)
//	claims, err := signer.VerifyAccess(access.Value)
//	if errors.Is(err, auth.ErrTokenExpired) {
//		// ask the client to refresh
//	}
//
// Verification never panics on bad input. It returns one of ErrTokenExpired,
// ErrTokenBadSignature or ErrTokenMalformed so callers can respond uniformly.
//
// # Storage of tokens
//
// Raw refresh tokens are never stored. HashToken returns the SHA256 hex digest
// used as the lookup key, and TokenPreview returns a short non-reversible
// fingerprint that is safe to log.
//
// # Credentials
//
// SQLCredentialStore reads principals and records login outcomes. A failed
// attempt increments failed_attempts in a single UPDATE and locks the account
// once the configured threshold is reached, so concurrent failures cannot skip
// the lock.
package auth
