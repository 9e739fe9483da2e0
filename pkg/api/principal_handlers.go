package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
)

// PrincipalUnlocker clears an account lockout
type PrincipalUnlocker interface {
	Unlock(ctx context.Context, principalID int64) error
}

// unlockPrincipal handles POST /rbac/principals/{id}/unlock
func (s *Server) unlockPrincipal(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	err := s.deps.Unlocker.Unlock(r.Context(), principalID)
	if errors.Is(err, auth.ErrPrincipalNotFound) {
		httputil.WriteNotFoundError(w, "principal not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("principal_id", principalID).Error("Failed to unlock principal")
		httputil.WriteInternalError(w)
		return
	}

	performedBy, _ := middleware.PrincipalID(r.Context())
	ip := contextkeys.GetClientIP(r.Context())
	s.auditLog().Emit(audit.Record{
		ActionType:        audit.ActionPrincipalUnlock,
		PerformedBy:       performedBy,
		TargetPrincipalID: audit.ID(principalID),
		NewValue:          audit.Value(map[string]interface{}{"is_locked": false, "failed_attempts": 0}),
		IPAddress:         ip,
		UserAgent:         r.UserAgent(),
	})
	s.logger.WithFields(logrus.Fields{
		"principal_id": principalID,
		"performed_by": performedBy,
		"ip":           ip,
	}).Info("Principal unlocked")

	httputil.WriteNoContent(w)
}

func (s *Server) auditLog() audit.Emitter {
	if s.deps.AuditLog == nil {
		return audit.NopEmitter{}
	}
	return s.deps.AuditLog
}
