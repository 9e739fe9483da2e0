package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/authn"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/session"
)

// AuthService is the session and token orchestrator behind the /auth routes
type AuthService interface {
	Login(ctx context.Context, req authn.LoginRequest) (*authn.LoginResult, error)
	Refresh(ctx context.Context, rawRefresh string, device session.DeviceMeta) (*authn.LoginResult, error)
	Logout(ctx context.Context, rawRefresh string) error
	Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error)
	CheckPermission(ctx context.Context, accessToken, permission string) (authn.Decision, error)
	HasPermission(ctx context.Context, principalID int64, permission string) (bool, error)
	ListSessions(ctx context.Context, principalID int64, currentRefresh string) ([]session.Summary, error)
	RevokeSession(ctx context.Context, sessionID string, principalID int64) error
	RevokeAllSessions(ctx context.Context, principalID int64, exceptRefresh string) (int64, error)
}

// AuditStore queries the audit log
type AuditStore interface {
	Search(ctx context.Context, filter audit.Filter) ([]audit.Record, error)
	Get(ctx context.Context, id int64) (*audit.Record, error)
	Stats(ctx context.Context, filter audit.Filter) (*audit.Stats, error)
}

// Config holds the transport settings of the API server
type Config struct {
	TrustProxy      bool
	SecureCookies   bool
	MaxBodyBytes    int64
	LoginRetryAfter time.Duration
}

// Deps are the collaborators of a Server. Only Auth, Manager and
// Permissions are required.
type Deps struct {
	Auth         AuthService
	Manager      *rbac.Manager
	Permissions  rbac.PermissionSource
	Audit        AuditStore
	AuditLog     audit.Emitter
	Unlocker     PrincipalUnlocker
	LoginLimiter middleware.Limiter
	Health       *observability.HealthChecker
	Registry     *prometheus.Registry
	Metrics      *observability.Metrics
	Logger       *logrus.Logger
}

// Server is the HTTP API of the identity service
type Server struct {
	config  Config
	deps    Deps
	logger  *logrus.Logger
	router  *mux.Router
	authMW  *middleware.AuthMiddleware
	handler http.Handler
}

// NewServer builds the router and the middleware chain
func NewServer(config Config, deps Deps) (*Server, error) {
	switch {
	case deps.Auth == nil:
		return nil, fmt.Errorf("%w: auth service is required", auth.ErrConfigurationMissing)
	case deps.Manager == nil:
		return nil, fmt.Errorf("%w: rbac manager is required", auth.ErrConfigurationMissing)
	case deps.Permissions == nil:
		return nil, fmt.Errorf("%w: permission source is required", auth.ErrConfigurationMissing)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if config.LoginRetryAfter <= 0 {
		config.LoginRetryAfter = time.Minute
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
		router: mux.NewRouter(),
		authMW: middleware.NewAuthMiddleware(deps.Auth, logger),
	}
	s.setupRoutes()

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware(config.TrustProxy),
		httputil.LoggingMiddleware(logger),
		observability.RecoveryMiddleware(logger),
	}
	if config.MaxBodyBytes > 0 {
		chain = append(chain, httputil.MaxBytesMiddleware(config.MaxBodyBytes))
	}
	s.handler = observability.TraceHandler(httputil.Chain(chain...)(s.router), "spoke-iam")
	return s, nil
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.deps.Metrics))

	// Operational routes
	if s.deps.Health != nil {
		s.router.HandleFunc("/healthz", s.deps.Health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.deps.Health.Readiness).Methods("GET")
	}
	if s.deps.Registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.deps.Registry)).Methods("GET")
	}

	// Authentication routes
	authRouter := s.router.PathPrefix("/auth").Subrouter()

	var login http.Handler = http.HandlerFunc(s.login)
	if s.deps.LoginLimiter != nil {
		login = middleware.NewRateLimitMiddleware(s.deps.LoginLimiter, s.config.LoginRetryAfter, s.logger).Handler(login)
	}
	authRouter.Handle("/login", login).Methods("POST")
	authRouter.Handle("/refresh", s.requireCSRF(http.HandlerFunc(s.refresh))).Methods("POST")
	authRouter.Handle("/logout", s.requireCSRF(http.HandlerFunc(s.logout))).Methods("POST")
	authRouter.HandleFunc("/check", s.checkPermission).Methods("POST")

	authRouter.Handle("/sessions", s.authMW.Handler(http.HandlerFunc(s.listSessions))).Methods("GET")
	authRouter.Handle("/sessions/revoke-all", s.authMW.Handler(http.HandlerFunc(s.revokeAllSessions))).Methods("POST")
	authRouter.Handle("/sessions/{id}", s.authMW.Handler(http.HandlerFunc(s.revokeSession))).Methods("DELETE")

	// RBAC administration
	rbacRouter := s.router.PathPrefix("/rbac").Subrouter()
	rbacRouter.Use(s.authMW.Handler, s.authMW.RequirePermission(s.deps.Auth, string(rbac.ManagePermission)))
	rbac.NewHandlers(s.deps.Manager, s.deps.Permissions, s.logger).RegisterRoutes(rbacRouter)
	if s.deps.Audit != nil {
		rbacRouter.HandleFunc("/audit", s.searchAudit).Methods("GET")
		rbacRouter.HandleFunc("/audit/export", s.exportAudit).Methods("GET")
		rbacRouter.HandleFunc("/audit/stats", s.auditStats).Methods("GET")
		rbacRouter.HandleFunc("/audit/{id:[0-9]+}", s.getAuditRecord).Methods("GET")
	}
	if s.deps.Unlocker != nil {
		rbacRouter.HandleFunc("/principals/{id}/unlock", s.unlockPrincipal).Methods("POST")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
