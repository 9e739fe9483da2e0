package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
)

// TokenAuthenticator verifies an access token
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
}

// PermissionChecker decides whether a principal currently holds a
// permission. An error means the decision could not be made.
type PermissionChecker interface {
	HasPermission(ctx context.Context, principalID int64, permission string) (bool, error)
}

// AuthMiddleware provides bearer token authentication
type AuthMiddleware struct {
	tokens TokenAuthenticator
	logger *logrus.Logger
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenAuthenticator, logger *logrus.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuthMiddleware{tokens: tokens, logger: logger}
}

// Handler rejects requests without a valid access token and stores the
// verified claims in the request context
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			httputil.WriteUnauthorized(w, "invalid credentials")
			return
		}

		claims, err := m.tokens.Authenticate(r.Context(), token)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"ip":         contextkeys.GetClientIP(r.Context()),
				"request_id": contextkeys.GetRequestID(r.Context()),
				"error":      err.Error(),
			}).Debug("Access token rejected")
			httputil.WriteUnauthorized(w, "invalid credentials")
			return
		}

		ctx := contextkeys.WithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission creates middleware that checks the authenticated
// principal holds permission. It must run after AuthMiddleware.Handler.
// The decision is made from current role data, never from the role names
// embedded in the token.
func (m *AuthMiddleware) RequirePermission(checker PermissionChecker, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := PrincipalID(r.Context())
			if !ok {
				httputil.WriteUnauthorized(w, "invalid credentials")
				return
			}

			allowed, err := checker.HasPermission(r.Context(), principalID, permission)
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"principal_id": principalID,
					"permission":   permission,
					"error":        err.Error(),
				}).Error("Permission check failed")
				httputil.WriteServiceUnavailable(w, "temporarily unavailable")
				return
			}
			if !allowed {
				httputil.WriteForbidden(w, "forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ClaimsFromContext returns the claims stored by AuthMiddleware
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(contextkeys.ClaimsKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// PrincipalID returns the authenticated principal's id
func PrincipalID(ctx context.Context) (int64, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return 0, false
	}
	id, err := claims.PrincipalID()
	if err != nil {
		return 0, false
	}
	return id, true
}
