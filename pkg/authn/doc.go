// Package authn orchestrates login, refresh token rotation, logout and
// permission checks on top of the credential store, the signer, the session
// ledger and the permission cache.
//
// A login moves through Unauthenticated, CredentialsChecked and then one of
// Locked, Rejected or Authenticated. Refresh tokens are single use: the
// session they belong to is revoked and replaced in one transaction, and a
// replayed or concurrently submitted token fails with
// auth.ErrSessionRevokedOrUnknown.
//
// Errors returned by Service are sentinels from package auth, wrapped with
// detail for logs. PublicMessage converts them into the text clients see.
package authn
