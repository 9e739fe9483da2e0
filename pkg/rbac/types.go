package rbac

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Errors returned by the role store and the Manager
var (
	ErrRoleNotFound            = errors.New("role not found")
	ErrRoleNameTaken           = errors.New("role name already exists")
	ErrRoleInUse               = errors.New("role is referenced by role assignments")
	ErrRoleCycleRejected       = errors.New("role hierarchy edge would create a cycle")
	ErrDuplicateEdge           = errors.New("role hierarchy edge already exists")
	ErrEdgeNotFound            = errors.New("role hierarchy edge not found")
	ErrDuplicateRoleAssignment = errors.New("overlapping role assignment already exists")
	ErrAssignmentNotFound      = errors.New("no active role assignment found")
	ErrPermissionNotFound      = errors.New("permission not found")
	ErrPermissionNameTaken     = errors.New("permission name already exists")
	ErrInvalidInput            = errors.New("invalid input")
)

// RoleName identifies a role. Stored and sent on the wire as a plain string.
type RoleName string

// NewRoleName trims surrounding whitespace
func NewRoleName(s string) RoleName {
	return RoleName(strings.TrimSpace(s))
}

func (n RoleName) String() string { return string(n) }

// PermissionName identifies a permission, e.g. "rbac.manage"
type PermissionName string

// NewPermissionName trims surrounding whitespace
func NewPermissionName(s string) PermissionName {
	return PermissionName(strings.TrimSpace(s))
}

func (n PermissionName) String() string { return string(n) }

// ManagePermission guards the RBAC administration endpoints
const ManagePermission PermissionName = "rbac.manage"

// PermissionSet is a sorted, de-duplicated list of permission names
type PermissionSet []PermissionName

// NewPermissionSet builds a set from names in any order
func NewPermissionSet(names ...PermissionName) PermissionSet {
	seen := make(map[PermissionName]struct{}, len(names))
	set := make(PermissionSet, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		set = append(set, n)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// Has reports whether name is in the set
func (s PermissionSet) Has(name PermissionName) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= name })
	return i < len(s) && s[i] == name
}

// Strings returns the wire representation
func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, n := range s {
		out[i] = string(n)
	}
	return out
}

// Role is a named bundle of permissions
type Role struct {
	ID           int64     `json:"id"`
	Name         RoleName  `json:"name"`
	Description  string    `json:"description"`
	IsActive     bool      `json:"is_active"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Permission is a grantable capability
type Permission struct {
	ID        int64          `json:"id"`
	Name      PermissionName `json:"name"`
	Category  string         `json:"category"`
	CreatedAt time.Time      `json:"created_at"`
}

// HierarchyEdge makes Child inherit every permission of Parent
type HierarchyEdge struct {
	ParentRoleID     int64 `json:"parent_role_id"`
	ChildRoleID      int64 `json:"child_role_id"`
	InheritanceLevel int   `json:"inheritance_level"`
}

// RoleAssignment grants a role to a principal, optionally bounded in time.
// Nil dates are open bounds.
type RoleAssignment struct {
	ID          int64      `json:"id"`
	PrincipalID int64      `json:"principal_id"`
	RoleID      int64      `json:"role_id"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	IsActive    bool       `json:"is_active"`
	AssignedBy  int64      `json:"assigned_by"`
	AssignedAt  time.Time  `json:"assigned_at"`
	Notes       string     `json:"notes,omitempty"`
}

// EffectiveOn reports whether the assignment applies on the UTC date of asOf.
// Both bounds are inclusive and compared by calendar day.
func (a RoleAssignment) EffectiveOn(asOf time.Time) bool {
	if !a.IsActive {
		return false
	}
	day := Day(asOf)
	if a.StartDate != nil && day.Before(Day(*a.StartDate)) {
		return false
	}
	if a.EndDate != nil && day.After(Day(*a.EndDate)) {
		return false
	}
	return true
}

// Overlaps reports whether the assignment's date range intersects [start, end]
func (a RoleAssignment) Overlaps(start, end *time.Time) bool {
	if a.StartDate != nil && end != nil && Day(*a.StartDate).After(Day(*end)) {
		return false
	}
	if start != nil && a.EndDate != nil && Day(*start).After(Day(*a.EndDate)) {
		return false
	}
	return true
}

// Day truncates t to midnight UTC
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Actor is the authenticated caller of a mutation and where the request came from
type Actor struct {
	PrincipalID int64
	IP          string
	UserAgent   string
}

// RoleInput describes a role to create
type RoleInput struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description" yaml:"description"`
	IsActive     *bool  `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	DisplayOrder int    `json:"display_order" yaml:"display_order"`
}

// AssignmentInput describes a role assignment to create
type AssignmentInput struct {
	PrincipalID int64      `json:"principal_id"`
	RoleID      int64      `json:"role_id"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}
