// Package contextkeys provides centralized context key definitions
//
// All context keys used across the service are defined here so that the
// middleware setting a value and the handlers reading it agree on one key.
//
//	ctx = contextkeys.WithClaims(ctx, claims)
//	claims, _ := ctx.Value(contextkeys.ClaimsKey).(*auth.Claims)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ClaimsKey contains *auth.Claims
	// Set by: middleware.Authenticator (pkg/middleware/auth.go)
	// Required by: session endpoints, RBAC admin endpoints
	ClaimsKey Key = "claims"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: request logging, audit trail
	RequestIDKey Key = "request_id"

	// ClientIPKey contains the resolved client IP string
	// Set by: httputil.RequestIDMiddleware
	// Used by: login rate limiting, session device metadata, audit records
	ClientIPKey Key = "client_ip"
)

// WithClaims adds verified access token claims to the context
func WithClaims(ctx context.Context, claims interface{}) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithClientIP adds the client IP to the context
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetClientIP retrieves the client IP from context
func GetClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return ip
	}
	return ""
}
