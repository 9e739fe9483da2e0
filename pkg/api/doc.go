// Package api provides the HTTP surface of the spoke-iam service.
//
// # Overview
//
// The server is built on gorilla/mux and exposes three groups of routes:
//
//   - Authentication: password login, refresh token rotation, logout,
//     session listing and revocation, and permission checks
//   - RBAC administration: role, hierarchy, grant and assignment mutations
//     plus audit log search, all guarded by the rbac.manage permission
//   - Operations: /healthz, /readyz and /metrics
//
// # Tokens and cookies
//
// Login and refresh return the access token in the JSON body. The refresh
// token is only ever sent in the spoke_refresh cookie (HttpOnly, SameSite
// Strict, Path /auth). A CSRF token is returned in the body and in the
// readable spoke_csrf cookie; refresh and logout require it to be echoed in
// the X-CSRF-Token header.
//
//	server, err := api.NewServer(api.Config{SecureCookies: true}, api.Deps{
//		Auth:        service,
//		Manager:     manager,
//		Permissions: cache,
//	})
//	http.ListenAndServe(":8080", server)
//
// # Errors
//
// Error bodies are {"error": "..."} with a generic message. Credential and
// token failures are 401 "invalid credentials", a locked account is 423,
// a denied permission is 403 and an unreachable permission store is 503.
package api
