// Package middleware provides HTTP middleware for authentication,
// authorization and rate limiting.
//
// AuthMiddleware verifies bearer access tokens and stores the claims in the
// request context:
//
//	authMW := middleware.NewAuthMiddleware(service, logger)
//	router.Use(authMW.Handler)
//
// RequirePermission guards a route with a permission resolved from current
// role data (fails closed with 503 when the check cannot be made):
//
//	admin.Use(authMW.RequirePermission(service, "rbac.manage"))
//
// RateLimitMiddleware limits requests per client IP, backed either by the
// in-process RateLimiter (golang.org/x/time/rate) or, when several
// instances share Redis, by DistributedRateLimiter.
package middleware
