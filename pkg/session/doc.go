// Package session implements the session ledger: one row per issued refresh
// token, keyed by the SHA256 hash of the token.
//
// A session moves from Active to Revoked at most once. Every revoke is a
// conditional UPDATE (... WHERE is_revoked = FALSE), so concurrent refreshes
// of the same token race in the database and exactly one of them wins:
//
//	next, err := ledger.Rotate(ctx, current.ID, principalID, newRefresh, meta)
//	if errors.Is(err, session.ErrAlreadyRevoked) {
//		// another request already rotated this token
//	}
//
// Expired rows are hard-deleted by the Janitor on a cron schedule after a
// retention window (7 days by default).
package session
