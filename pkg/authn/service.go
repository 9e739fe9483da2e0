package authn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/session"
)

const tracerName = "github.com/platinummonkey/spoke-iam/pkg/authn"

// Deps are the collaborators of a Service. Membership and Metrics are
// optional.
type Deps struct {
	Credentials auth.CredentialStore
	Signer      *auth.Signer
	Sessions    SessionStore
	Roles       RoleResolver
	Permissions PermissionSource
	Membership  MembershipChecker
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
}

// Service is the session and token orchestrator
type Service struct {
	credentials auth.CredentialStore
	signer      *auth.Signer
	sessions    SessionStore
	roles       RoleResolver
	permissions PermissionSource
	membership  MembershipChecker
	logger      *logrus.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time used to judge session expiry. By default the
// session ledger's clock is used.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates an orchestrator. Missing required collaborators are
// reported as auth.ErrConfigurationMissing.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Credentials == nil:
		return nil, fmt.Errorf("%w: credential store is required", auth.ErrConfigurationMissing)
	case deps.Signer == nil:
		return nil, fmt.Errorf("%w: signer is required", auth.ErrConfigurationMissing)
	case deps.Sessions == nil:
		return nil, fmt.Errorf("%w: session ledger is required", auth.ErrConfigurationMissing)
	case deps.Roles == nil:
		return nil, fmt.Errorf("%w: role resolver is required", auth.ErrConfigurationMissing)
	case deps.Permissions == nil:
		return nil, fmt.Errorf("%w: permission source is required", auth.ErrConfigurationMissing)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Service{
		credentials: deps.Credentials,
		signer:      deps.Signer,
		sessions:    deps.Sessions,
		roles:       deps.Roles,
		permissions: deps.Permissions,
		membership:  deps.Membership,
		logger:      logger,
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
		now:         deps.Sessions.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login checks a username and password. Locked accounts fail with
// auth.ErrAccountLocked before the password is evaluated. Unknown users and
// wrong passwords both fail with auth.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (result *LoginResult, err error) {
	ctx, span := s.tracer.Start(ctx, "authn.Login")
	defer func() { endSpan(span, err) }()

	principal, err := s.credentials.FindByUsername(ctx, req.Username)
	if errors.Is(err, auth.ErrPrincipalNotFound) {
		// keep timing close to a real password check
		auth.BurnPasswordCheck(req.Password)
		s.metrics.Login("rejected")
		return nil, fmt.Errorf("%w: unknown username", auth.ErrInvalidCredentials)
	}
	if err != nil {
		s.metrics.Login("error")
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	span.SetAttributes(attribute.Int64("principal.id", principal.ID))

	if principal.IsLocked {
		s.metrics.Login("locked")
		s.securityEvent(ctx, "locked_login_attempt", principal.ID, req.Device.IPAddress, "")
		return nil, fmt.Errorf("%w: principal %d", auth.ErrAccountLocked, principal.ID)
	}

	ok, err := auth.CheckPassword(principal.PasswordHash, req.Password)
	if err != nil {
		s.logger.WithError(err).WithField("principal_id", principal.ID).Error("Stored password hash is unusable")
	}
	if !ok {
		counters, recErr := s.credentials.RecordLoginOutcome(ctx, principal.ID, false)
		if recErr != nil {
			s.metrics.Login("error")
			return nil, fmt.Errorf("failed to record login failure: %w", recErr)
		}
		s.metrics.Login("rejected")
		if counters.IsLocked {
			s.securityEvent(ctx, "account_locked", principal.ID, req.Device.IPAddress, "")
		}
		return nil, fmt.Errorf("%w: wrong password, %d consecutive failures", auth.ErrInvalidCredentials, counters.FailedAttempts)
	}

	s.logger.WithFields(logrus.Fields{
		"principal_id": principal.ID,
		"state":        StateCredentialsChecked,
	}).Debug("Password accepted")

	if err := s.checkMembership(ctx, principal); err != nil {
		s.metrics.Login("inactive")
		return nil, err
	}

	if _, err := s.credentials.RecordLoginOutcome(ctx, principal.ID, true); err != nil {
		s.metrics.Login("error")
		return nil, fmt.Errorf("failed to record login success: %w", err)
	}

	result, err = s.issue(ctx, principal.ID, principal.Username, func(raw string) (*session.Session, error) {
		return s.sessions.Create(ctx, principal.ID, raw, req.Device)
	})
	if err != nil {
		s.metrics.Login("error")
		return nil, err
	}
	result.Principal.EmailVerified = principal.EmailVerified

	s.metrics.Login("success")
	s.logger.WithFields(logrus.Fields{
		"principal_id": principal.ID,
		"session_id":   result.SessionID,
		"ip":           req.Device.IPAddress,
	}).Info("Login succeeded")
	return result, nil
}

// Refresh rotates a refresh token. The presented token's session is revoked
// and replaced in one transaction; a token can succeed at most once.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, device session.DeviceMeta) (result *LoginResult, err error) {
	ctx, span := s.tracer.Start(ctx, "authn.Refresh")
	defer func() { endSpan(span, err) }()

	claims, err := s.signer.VerifyRefresh(rawRefresh)
	if err != nil {
		s.metrics.Refresh("invalid")
		if errors.Is(err, auth.ErrTokenBadSignature) {
			s.securityEvent(ctx, "bad_signature", 0, device.IPAddress, rawRefresh)
		}
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidRefreshToken, err)
	}
	principalID, err := claims.PrincipalID()
	if err != nil {
		s.metrics.Refresh("invalid")
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidRefreshToken, err)
	}
	span.SetAttributes(attribute.Int64("principal.id", principalID))

	current, err := s.sessions.FindActiveByHash(ctx, auth.HashToken(rawRefresh))
	if errors.Is(err, session.ErrNotFound) || (err == nil && current.PrincipalID != principalID) {
		s.metrics.Refresh("revoked")
		s.securityEvent(ctx, "revoked_session_reuse", principalID, device.IPAddress, rawRefresh)
		return nil, fmt.Errorf("%w: no live session for token", auth.ErrSessionRevokedOrUnknown)
	}
	if err != nil {
		s.metrics.Refresh("error")
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	if !s.now().Before(current.ExpiresAt) {
		if _, err := s.sessions.Revoke(ctx, current.ID); err != nil {
			s.logger.WithError(err).WithField("session_id", current.ID).Error("Failed to revoke expired session")
		}
		s.metrics.Refresh("expired")
		s.securityEvent(ctx, "expired_refresh", principalID, device.IPAddress, rawRefresh)
		return nil, fmt.Errorf("%w: session %s expired at %s", auth.ErrRefreshTokenExpired, current.ID, current.ExpiresAt.Format(time.RFC3339))
	}

	principal, err := s.credentials.FindByUsername(ctx, claims.Username)
	if errors.Is(err, auth.ErrPrincipalNotFound) || (err == nil && principal.ID != principalID) {
		s.revokeQuietly(ctx, current.ID)
		s.metrics.Refresh("revoked")
		return nil, fmt.Errorf("%w: principal %d no longer exists", auth.ErrSessionRevokedOrUnknown, principalID)
	}
	if err != nil {
		s.metrics.Refresh("error")
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	if principal.IsLocked {
		s.revokeQuietly(ctx, current.ID)
		s.metrics.Refresh("locked")
		s.securityEvent(ctx, "locked_refresh_attempt", principalID, device.IPAddress, rawRefresh)
		return nil, fmt.Errorf("%w: principal %d", auth.ErrAccountLocked, principalID)
	}
	if err := s.checkMembership(ctx, principal); err != nil {
		s.revokeQuietly(ctx, current.ID)
		s.metrics.Refresh("inactive")
		return nil, err
	}

	result, err = s.issue(ctx, principalID, principal.Username, func(raw string) (*session.Session, error) {
		return s.sessions.Rotate(ctx, current.ID, principalID, raw, device)
	})
	if errors.Is(err, session.ErrAlreadyRevoked) {
		s.metrics.Refresh("revoked")
		s.securityEvent(ctx, "concurrent_refresh", principalID, device.IPAddress, rawRefresh)
		return nil, fmt.Errorf("%w: session %s was rotated concurrently", auth.ErrSessionRevokedOrUnknown, current.ID)
	}
	if err != nil {
		s.metrics.Refresh("error")
		return nil, err
	}
	result.Principal.EmailVerified = principal.EmailVerified

	s.metrics.Refresh("success")
	s.logger.WithFields(logrus.Fields{
		"principal_id":     principalID,
		"session_id":       result.SessionID,
		"replaced_session": current.ID,
	}).Debug("Refresh token rotated")
	return result, nil
}

// Logout revokes the session of rawRefresh. An empty, unknown or already
// revoked token is not an error.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	if rawRefresh == "" {
		return nil
	}
	current, err := s.sessions.FindActiveByHash(ctx, auth.HashToken(rawRefresh))
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up session: %w", err)
	}
	if _, err := s.sessions.Revoke(ctx, current.ID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"principal_id": current.PrincipalID,
		"session_id":   current.ID,
	}).Info("Logged out")
	return nil
}

// Authenticate verifies an access token
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*auth.Claims, error) {
	claims, err := s.signer.VerifyAccess(accessToken)
	if err != nil {
		if errors.Is(err, auth.ErrTokenBadSignature) {
			s.securityEvent(ctx, "bad_signature", 0, "", accessToken)
		}
		return nil, err
	}
	if _, err := claims.PrincipalID(); err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrTokenMalformed, err)
	}
	return claims, nil
}

// CheckPermission verifies accessToken and decides whether its principal
// holds permission now. Roles embedded in the token are never consulted.
// A store failure is returned as an error, never as an allow.
func (s *Service) CheckPermission(ctx context.Context, accessToken, permission string) (decision Decision, err error) {
	ctx, span := s.tracer.Start(ctx, "authn.CheckPermission", trace.WithAttributes(
		attribute.String("permission", permission),
	))
	defer func() { endSpan(span, err) }()

	claims, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return Decision{Permission: permission}, err
	}
	principalID, _ := claims.PrincipalID()

	allowed, err := s.HasPermission(ctx, principalID, permission)
	if err != nil {
		return Decision{PrincipalID: principalID, Permission: permission}, err
	}
	span.SetAttributes(attribute.Bool("allowed", allowed))
	return Decision{PrincipalID: principalID, Permission: permission, Allowed: allowed}, nil
}

// HasPermission decides for an already authenticated principal
func (s *Service) HasPermission(ctx context.Context, principalID int64, permission string) (bool, error) {
	perms, err := s.permissions.GetOrCompute(ctx, principalID)
	if err != nil {
		return false, err
	}
	allowed := perms.Has(rbac.NewPermissionName(permission))
	s.metrics.PermissionCheck(allowed)
	return allowed, nil
}

// ListSessions returns the principal's live sessions. The session of
// currentRefresh, if given, is flagged as current.
func (s *Service) ListSessions(ctx context.Context, principalID int64, currentRefresh string) ([]session.Summary, error) {
	sessions, err := s.sessions.ListActive(ctx, principalID)
	if err != nil {
		return nil, err
	}

	currentHash := ""
	if currentRefresh != "" {
		currentHash = auth.HashToken(currentRefresh)
	}
	now := s.now()
	out := make([]session.Summary, 0, len(sessions))
	for i := range sessions {
		out = append(out, sessions[i].Summarize(now, currentHash))
	}
	return out, nil
}

// RevokeSession revokes one of the principal's own sessions. Sessions of
// other principals are reported as session.ErrNotFound.
func (s *Service) RevokeSession(ctx context.Context, sessionID string, principalID int64) error {
	revoked, err := s.sessions.RevokeForPrincipal(ctx, sessionID, principalID)
	if err != nil {
		return err
	}
	if revoked {
		s.logger.WithFields(logrus.Fields{
			"principal_id": principalID,
			"session_id":   sessionID,
		}).Info("Session revoked")
	}
	return nil
}

// RevokeAllSessions revokes every session of the principal except the one
// of exceptRefresh, and returns how many were revoked
func (s *Service) RevokeAllSessions(ctx context.Context, principalID int64, exceptRefresh string) (int64, error) {
	exceptHash := ""
	if exceptRefresh != "" {
		exceptHash = auth.HashToken(exceptRefresh)
	}
	n, err := s.sessions.RevokeAllForPrincipal(ctx, principalID, exceptHash)
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{
		"principal_id": principalID,
		"revoked":      n,
	}).Info("Sessions revoked")
	return n, nil
}

// issue resolves current roles, signs both tokens and records the session
// through store
func (s *Service) issue(ctx context.Context, principalID int64, username string, store func(raw string) (*session.Session, error)) (*LoginResult, error) {
	names, err := s.roles.ResolveEffectiveRoleNames(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	roles := make([]string, len(names))
	for i, n := range names {
		roles[i] = string(n)
	}

	access, err := s.signer.IssueAccess(principalID, username, roles)
	if err != nil {
		return nil, err
	}
	refresh, err := s.signer.IssueRefresh(principalID, username)
	if err != nil {
		return nil, err
	}
	sess, err := store(refresh.Value)
	if err != nil {
		return nil, err
	}
	csrf, err := auth.GenerateCSRFToken()
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		AccessToken:      access.Value,
		ExpiresIn:        int64(access.ExpiresIn / time.Second),
		RefreshToken:     refresh.Value,
		RefreshExpiresAt: sess.ExpiresAt,
		CSRFToken:        csrf,
		Principal: auth.PrincipalSummary{
			ID:       principalID,
			Username: username,
			Roles:    roles,
		},
		SessionID: sess.ID,
		State:     StateAuthenticated,
	}, nil
}

func (s *Service) checkMembership(ctx context.Context, p *auth.Principal) error {
	if !p.IsActive {
		return fmt.Errorf("%w: principal %d is deactivated", auth.ErrMembershipInactive, p.ID)
	}
	if s.membership == nil {
		return nil
	}
	active, err := s.membership.IsActive(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: principal %d", auth.ErrMembershipInactive, p.ID)
	}
	return nil
}

func (s *Service) revokeQuietly(ctx context.Context, sessionID string) {
	if _, err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to revoke session")
	}
}

// securityEvent logs a security relevant failure. Only a token preview is
// ever logged.
func (s *Service) securityEvent(ctx context.Context, event string, principalID int64, ip, token string) {
	s.metrics.SecurityEvent(event)

	fields := logrus.Fields{
		"security_event": event,
		"ip":             ip,
		"event_time":     s.now().UTC().Format(time.RFC3339),
	}
	if principalID != 0 {
		fields["principal_id"] = principalID
	}
	if token != "" {
		fields["token_preview"] = auth.TokenPreview(token)
	}
	observability.WithTraceContext(ctx, s.logger).WithFields(fields).Warn("Security event")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, PublicMessage(err))
	}
	span.End()
}
