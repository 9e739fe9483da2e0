package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/authn"
	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
	"github.com/platinummonkey/spoke-iam/pkg/permcache"
	"github.com/platinummonkey/spoke-iam/pkg/session"
)

const (
	// RefreshCookieName carries the refresh token. It is scoped to /auth
	// and never readable by scripts.
	RefreshCookieName = "spoke_refresh"
	// CSRFCookieName carries the double submit token the client echoes in
	// CSRFHeader
	CSRFCookieName = "spoke_csrf"
	CSRFHeader     = "X-CSRF-Token"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type checkRequest struct {
	Permission string `json:"permission"`
}

// login handles POST /auth/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}

	result, err := s.deps.Auth.Login(r.Context(), authn.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		Device:   s.device(r),
	})
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	s.setSessionCookies(w, result)
	httputil.WriteSuccess(w, result)
}

// refresh handles POST /auth/refresh
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshToken(r)
	if raw == "" {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	result, err := s.deps.Auth.Refresh(r.Context(), raw, s.device(r))
	if err != nil {
		if authn.PublicMessage(err) != "internal error" {
			s.clearSessionCookies(w)
		}
		s.writeAuthError(w, r, err)
		return
	}

	s.setSessionCookies(w, result)
	httputil.WriteSuccess(w, result)
}

// logout handles POST /auth/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Auth.Logout(r.Context(), refreshToken(r)); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	s.clearSessionCookies(w)
	httputil.WriteNoContent(w)
}

// checkPermission handles POST /auth/check
func (s *Server) checkPermission(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}
	var req checkRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Permission) == "" {
		httputil.WriteBadRequest(w, "permission is required")
		return
	}

	decision, err := s.deps.Auth.CheckPermission(r.Context(), token, req.Permission)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"permission": decision.Permission,
		"allowed":    decision.Allowed,
	})
}

// listSessions handles GET /auth/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	sessions, err := s.deps.Auth.ListSessions(r.Context(), principalID, refreshToken(r))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"sessions": sessions})
}

// revokeSession handles DELETE /auth/sessions/{id}
func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}
	sessionID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	err := s.deps.Auth.RevokeSession(r.Context(), sessionID, principalID)
	if errors.Is(err, session.ErrNotFound) {
		httputil.WriteNotFoundError(w, "session not found")
		return
	}
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// revokeAllSessions handles POST /auth/sessions/revoke-all. The caller's
// own session survives.
func (s *Server) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := middleware.PrincipalID(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}

	n, err := s.deps.Auth.RevokeAllSessions(r.Context(), principalID, refreshToken(r))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"revoked": n})
}

// requireCSRF enforces the double submit check: the X-CSRF-Token header
// must equal the spoke_csrf cookie
func (s *Server) requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cookieValue string
		if c, err := r.Cookie(CSRFCookieName); err == nil {
			cookieValue = c.Value
		}
		if !auth.ConstantTimeEqual(cookieValue, r.Header.Get(CSRFHeader)) {
			s.logger.WithFields(logrus.Fields{
				"ip":         contextkeys.GetClientIP(r.Context()),
				"path":       r.URL.Path,
				"request_id": contextkeys.GetRequestID(r.Context()),
			}).Warn("CSRF token mismatch")
			httputil.WriteForbidden(w, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeAuthError maps orchestrator errors to a status and the public
// message for the error class
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	msg := authn.PublicMessage(err)
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		httputil.WriteLocked(w, msg)
	case errors.Is(err, auth.ErrInsufficientPermission):
		httputil.WriteForbidden(w, msg)
	case errors.Is(err, permcache.ErrStoreUnavailable):
		s.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(r.Context())).Error("Permission store unavailable")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable")
	case msg == "invalid credentials":
		httputil.WriteUnauthorized(w, msg)
	default:
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": contextkeys.GetRequestID(r.Context()),
		}).WithError(err).Error("Auth request failed")
		httputil.WriteInternalError(w)
	}
}

func (s *Server) setSessionCookies(w http.ResponseWriter, result *authn.LoginResult) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    result.RefreshToken,
		Path:     "/auth",
		Expires:  result.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    result.CSRFToken,
		Path:     "/",
		Expires:  result.RefreshExpiresAt,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Path:     "/",
		MaxAge:   -1,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) device(r *http.Request) session.DeviceMeta {
	ip := contextkeys.GetClientIP(r.Context())
	if ip == "" {
		ip = httputil.ClientIP(r, s.config.TrustProxy)
	}
	return session.DeviceMeta{DeviceInfo: r.UserAgent(), IPAddress: ip}
}

func refreshToken(r *http.Request) string {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
