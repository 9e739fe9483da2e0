package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
)

// PermissionSource returns a principal's effective permissions, typically
// through the permission cache
type PermissionSource interface {
	GetOrCompute(ctx context.Context, principalID int64) (PermissionSet, error)
}

// Handlers provides HTTP handlers for RBAC administration
type Handlers struct {
	manager     *Manager
	permissions PermissionSource
	logger      *logrus.Logger
}

// NewHandlers creates new RBAC handlers
func NewHandlers(manager *Manager, permissions PermissionSource, logger *logrus.Logger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{
		manager:     manager,
		permissions: permissions,
		logger:      logger,
	}
}

// RegisterRoutes registers all RBAC routes on router, which is expected to
// be mounted at /rbac behind authentication and the rbac.manage guard
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Roles
	router.HandleFunc("/roles", h.ListRoles).Methods("GET")
	router.HandleFunc("/roles", h.CreateRole).Methods("POST")
	router.HandleFunc("/roles/{id}", h.GetRole).Methods("GET")
	router.HandleFunc("/roles/{id}", h.UpdateRole).Methods("PATCH")
	router.HandleFunc("/roles/{id}", h.DeleteRole).Methods("DELETE")
	router.HandleFunc("/roles/{id}/permissions", h.SetRolePermissions).Methods("PUT")

	// Hierarchy
	router.HandleFunc("/hierarchy", h.ListEdges).Methods("GET")
	router.HandleFunc("/hierarchy", h.AddEdge).Methods("POST")
	router.HandleFunc("/hierarchy/{parent_id}/{child_id}", h.RemoveEdge).Methods("DELETE")

	// Permissions
	router.HandleFunc("/permissions", h.ListPermissions).Methods("GET")
	router.HandleFunc("/permissions", h.CreatePermission).Methods("POST")

	// Assignments
	router.HandleFunc("/principals/{id}/roles", h.ListAssignments).Methods("GET")
	router.HandleFunc("/principals/{id}/roles", h.AssignRole).Methods("POST")
	router.HandleFunc("/principals/{id}/roles/{role_id}", h.RemoveRole).Methods("DELETE")
	router.HandleFunc("/principals/{id}/permissions", h.GetPrincipalPermissions).Methods("GET")
}

type roleResponse struct {
	Role
	Permissions []Permission `json:"permissions"`
}

type updateRoleRequest struct {
	Name     *string `json:"name,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

type setPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

type edgeRequest struct {
	ParentRoleID int64 `json:"parent_role_id"`
	ChildRoleID  int64 `json:"child_role_id"`
}

type permissionRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// assignRequest takes dates as YYYY-MM-DD or RFC 3339
type assignRequest struct {
	RoleID    int64  `json:"role_id"`
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// ListRoles lists all roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.manager.Store().ListRoles(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

// CreateRole creates a role
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req RoleInput
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	role, err := h.manager.CreateRole(r.Context(), actorFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, role)
}

// GetRole returns a role with its direct grants
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	store := h.manager.Store()
	role, err := store.GetRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	perms, err := store.PermissionsForRole(r.Context(), roleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, roleResponse{Role: *role, Permissions: perms})
}

// UpdateRole renames and/or activates or deactivates a role
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == nil && req.IsActive == nil {
		httputil.WriteBadRequest(w, "name or is_active is required")
		return
	}

	ctx, actor := r.Context(), actorFrom(r)
	if req.Name != nil {
		if _, err := h.manager.RenameRole(ctx, actor, roleID, *req.Name); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.IsActive != nil {
		if err := h.manager.SetRoleActive(ctx, actor, roleID, *req.IsActive); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	role, err := h.manager.Store().GetRole(ctx, roleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// DeleteRole deletes an unreferenced role
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.manager.DeleteRole(r.Context(), actorFrom(r), roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// SetRolePermissions replaces a role's direct grants
func (h *Handlers) SetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req setPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := h.manager.SetRolePermissions(r.Context(), actorFrom(r), roleID, req.PermissionIDs); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListEdges returns every hierarchy edge
func (h *Handlers) ListEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := h.manager.Store().HierarchyEdges(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if edges == nil {
		edges = []HierarchyEdge{}
	}
	httputil.WriteSuccess(w, edges)
}

// AddEdge makes child_role_id inherit from parent_role_id
func (h *Handlers) AddEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ParentRoleID <= 0 || req.ChildRoleID <= 0 {
		httputil.WriteBadRequest(w, "parent_role_id and child_role_id are required")
		return
	}

	edge, err := h.manager.AddHierarchyEdge(r.Context(), actorFrom(r), req.ParentRoleID, req.ChildRoleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, edge)
}

// RemoveEdge deletes a hierarchy edge
func (h *Handlers) RemoveEdge(w http.ResponseWriter, r *http.Request) {
	parentID, ok := httputil.ParsePathInt64OrError(w, r, "parent_id")
	if !ok {
		return
	}
	childID, ok := httputil.ParsePathInt64OrError(w, r, "child_id")
	if !ok {
		return
	}
	if err := h.manager.RemoveHierarchyEdge(r.Context(), actorFrom(r), parentID, childID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// ListPermissions lists all permissions
func (h *Handlers) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.manager.Store().ListPermissions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httputil.WriteSuccess(w, perms)
}

// CreatePermission registers a permission
func (h *Handlers) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := h.manager.CreatePermission(r.Context(), actorFrom(r), req.Name, req.Category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, p)
}

// ListAssignments returns a principal's assignment history
func (h *Handlers) ListAssignments(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	assignments, err := h.manager.Store().ListAssignments(r.Context(), principalID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if assignments == nil {
		assignments = []RoleAssignment{}
	}
	httputil.WriteSuccess(w, assignments)
}

// AssignRole assigns a role to the principal in the path
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req assignRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid start_date")
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid end_date")
		return
	}

	assignment, err := h.manager.AssignRole(r.Context(), actorFrom(r), AssignmentInput{
		PrincipalID: principalID,
		RoleID:      req.RoleID,
		StartDate:   start,
		EndDate:     end,
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, assignment)
}

// RemoveRole soft-revokes a principal's active assignment of a role
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "role_id")
	if !ok {
		return
	}
	if err := h.manager.RemoveRole(r.Context(), actorFrom(r), principalID, roleID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// GetPrincipalPermissions returns a principal's effective permission set
func (h *Handlers) GetPrincipalPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	set, err := h.permissions.GetOrCompute(r.Context(), principalID)
	if err != nil {
		h.logger.WithError(err).WithField("principal_id", principalID).Error("Failed to resolve permissions")
		httputil.WriteServiceUnavailable(w, "temporarily unavailable")
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"principal_id": principalID,
		"permissions":  set.Strings(),
	})
}

// writeError maps domain errors to status codes. Bodies carry the sentinel
// message only, never the wrapped detail.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, notFound := range []error{ErrRoleNotFound, ErrPermissionNotFound, ErrEdgeNotFound, ErrAssignmentNotFound} {
		if errors.Is(err, notFound) {
			httputil.WriteNotFoundError(w, notFound.Error())
			return
		}
	}
	for _, conflict := range []error{ErrRoleNameTaken, ErrPermissionNameTaken, ErrRoleInUse, ErrRoleCycleRejected, ErrDuplicateEdge, ErrDuplicateRoleAssignment} {
		if errors.Is(err, conflict) {
			httputil.WriteConflict(w, conflict.Error())
			return
		}
	}
	if errors.Is(err, ErrInvalidInput) {
		httputil.WriteBadRequest(w, ErrInvalidInput.Error())
		return
	}

	h.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"request_id": contextkeys.GetRequestID(r.Context()),
	}).WithError(err).Error("RBAC request failed")
	httputil.WriteInternalError(w)
}

func actorFrom(r *http.Request) Actor {
	id, _ := middleware.PrincipalID(r.Context())
	ip := contextkeys.GetClientIP(r.Context())
	if ip == "" {
		ip = httputil.ClientIP(r, false)
	}
	return Actor{
		PrincipalID: id,
		IP:          ip,
		UserAgent:   r.UserAgent(),
	}
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q", ErrInvalidInput, s)
	}
	return &t, nil
}
