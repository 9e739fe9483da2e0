package audit

import (
	"encoding/json"
	"time"
)

// ActionType names the mutation an audit record describes
type ActionType string

const (
	ActionRoleCreate         ActionType = "role.create"
	ActionRoleRename         ActionType = "role.rename"
	ActionRoleActivate       ActionType = "role.activate"
	ActionRoleDeactivate     ActionType = "role.deactivate"
	ActionRoleDelete         ActionType = "role.delete"
	ActionRolePermissionsSet ActionType = "role.permissions_set"
	ActionHierarchyEdgeAdd   ActionType = "hierarchy.edge_add"
	ActionHierarchyEdgeDrop  ActionType = "hierarchy.edge_remove"
	ActionAssignmentAdd      ActionType = "assignment.add"
	ActionAssignmentRemove   ActionType = "assignment.remove"
	ActionPermissionCreate   ActionType = "permission.create"
	ActionPrincipalUnlock    ActionType = "principal.unlock"
)

// Record is one immutable entry in the audit log
type Record struct {
	ID                 int64           `json:"id"`
	ActionType         ActionType      `json:"action_type"`
	PerformedBy        int64           `json:"performed_by"`
	TargetRoleID       *int64          `json:"target_role_id,omitempty"`
	TargetPermissionID *int64          `json:"target_permission_id,omitempty"`
	TargetPrincipalID  *int64          `json:"target_principal_id,omitempty"`
	OldValue           json.RawMessage `json:"old_value,omitempty"`
	NewValue           json.RawMessage `json:"new_value,omitempty"`
	IPAddress          string          `json:"ip_address,omitempty"`
	UserAgent          string          `json:"user_agent,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Value marshals v for OldValue or NewValue. nil stays nil; a value that
// cannot be marshalled is recorded as its error message.
func Value(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}

// ID returns a pointer for the optional target fields
func ID(id int64) *int64 {
	return &id
}

// Filter narrows a Search. Zero values match everything.
type Filter struct {
	ActionTypes  []ActionType
	PerformedBy  *int64
	TargetRoleID *int64
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}
