package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
)

// Invalidator evicts cached permission sets. InvalidateRole must evict the
// holders of the role and of every role that inherits from it.
type Invalidator interface {
	Invalidate(ctx context.Context, principalID int64) error
	InvalidateRole(ctx context.Context, roleID int64) error
}

// Manager performs role, grant, hierarchy and assignment mutations. Each
// mutation commits its data change, then synchronously invalidates the
// permission cache, then emits an audit record without waiting for it.
type Manager struct {
	store  *Store
	cache  Invalidator
	audit  audit.Emitter
	logger *logrus.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerClock overrides the time source used for end dates
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager. cache and emitter may be nil.
func NewManager(store *Store, cache Invalidator, emitter audit.Emitter, logger *logrus.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	m := &Manager{
		store:  store,
		cache:  cache,
		audit:  emitter,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store for read access
func (m *Manager) Store() *Store {
	return m.store
}

// CreateRole creates an active role unless input says otherwise
func (m *Manager) CreateRole(ctx context.Context, actor Actor, input RoleInput) (*Role, error) {
	name := NewRoleName(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}

	role := &Role{
		Name:         name,
		Description:  input.Description,
		IsActive:     input.IsActive == nil || *input.IsActive,
		DisplayOrder: input.DisplayOrder,
	}
	if err := m.store.InsertRole(ctx, role); err != nil {
		return nil, err
	}

	m.emit(actor, audit.Record{
		ActionType:   audit.ActionRoleCreate,
		TargetRoleID: audit.ID(role.ID),
		NewValue:     audit.Value(role),
	})
	return role, nil
}

// RenameRole changes a role's unique name
func (m *Manager) RenameRole(ctx context.Context, actor Actor, roleID int64, newName string) (*Role, error) {
	name := NewRoleName(newName)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}

	var before, after Role
	err := m.store.WithTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		before = *role
		if err := tx.UpdateRoleName(ctx, roleID, name); err != nil {
			return err
		}
		updated, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		after = *updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	// cached entries hold permission names only, so a rename invalidates nothing
	m.emit(actor, audit.Record{
		ActionType:   audit.ActionRoleRename,
		TargetRoleID: audit.ID(roleID),
		OldValue:     audit.Value(map[string]RoleName{"name": before.Name}),
		NewValue:     audit.Value(map[string]RoleName{"name": after.Name}),
	})
	return &after, nil
}

// SetRoleActive activates or deactivates a role. Assignments to an inactive
// role are not effective and it grants nothing through the hierarchy.
func (m *Manager) SetRoleActive(ctx context.Context, actor Actor, roleID int64, active bool) error {
	var before bool
	err := m.store.WithTx(ctx, func(tx *Store) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		before = role.IsActive
		return tx.UpdateRoleActive(ctx, roleID, active)
	})
	if err != nil {
		return err
	}

	m.invalidateRole(ctx, roleID)

	action := audit.ActionRoleDeactivate
	if active {
		action = audit.ActionRoleActivate
	}
	m.emit(actor, audit.Record{
		ActionType:   action,
		TargetRoleID: audit.ID(roleID),
		OldValue:     audit.Value(map[string]bool{"is_active": before}),
		NewValue:     audit.Value(map[string]bool{"is_active": active}),
	})
	return nil
}

// DeleteRole removes a role with its grants and edges. It fails with
// ErrRoleInUse while any assignment, current or historical, references it.
func (m *Manager) DeleteRole(ctx context.Context, actor Actor, roleID int64) error {
	var (
		deleted  *Role
		children []int64
	)
	err := m.store.WithTx(ctx, func(tx *Store) error {
		if err := tx.LockTable(ctx, "role_assignments"); err != nil {
			return err
		}
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		count, err := tx.CountAssignments(ctx, roleID)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d assignments reference role %d", ErrRoleInUse, count, roleID)
		}

		edges, err := tx.HierarchyEdges(ctx)
		if err != nil {
			return err
		}
		children = NewGraph(edges).Children(roleID)
		deleted = role
		return tx.DeleteRole(ctx, roleID)
	})
	if err != nil {
		return err
	}

	// roles that inherited from the deleted role lose its grants
	for _, child := range children {
		m.invalidateRole(ctx, child)
	}

	m.emit(actor, audit.Record{
		ActionType:   audit.ActionRoleDelete,
		TargetRoleID: audit.ID(roleID),
		OldValue:     audit.Value(deleted),
	})
	return nil
}

// SetRolePermissions replaces every direct grant of a role in one transaction
func (m *Manager) SetRolePermissions(ctx context.Context, actor Actor, roleID int64, permissionIDs []int64) error {
	ids := uniqueIDs(permissionIDs)

	var before, after []PermissionName
	err := m.store.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			return err
		}

		for _, id := range ids {
			p, err := tx.GetPermission(ctx, id)
			if err != nil {
				return fmt.Errorf("permission %d: %w", id, err)
			}
			after = append(after, p.Name)
		}

		current, err := tx.PermissionsForRole(ctx, roleID)
		if err != nil {
			return err
		}
		for _, p := range current {
			before = append(before, p.Name)
		}

		return tx.ReplaceRolePermissions(ctx, roleID, ids)
	})
	if err != nil {
		return err
	}

	m.invalidateRole(ctx, roleID)

	m.emit(actor, audit.Record{
		ActionType:   audit.ActionRolePermissionsSet,
		TargetRoleID: audit.ID(roleID),
		OldValue:     audit.Value(NewPermissionSet(before...).Strings()),
		NewValue:     audit.Value(NewPermissionSet(after...).Strings()),
	})
	return nil
}

// AddHierarchyEdge makes child inherit parent's permissions. Self edges and
// edges that would close a cycle fail with ErrRoleCycleRejected.
func (m *Manager) AddHierarchyEdge(ctx context.Context, actor Actor, parentID, childID int64) (*HierarchyEdge, error) {
	if parentID == childID {
		return nil, fmt.Errorf("%w: role %d cannot inherit from itself", ErrRoleCycleRejected, parentID)
	}

	var edge HierarchyEdge
	err := m.store.WithTx(ctx, func(tx *Store) error {
		if err := tx.LockTable(ctx, "role_hierarchy"); err != nil {
			return err
		}
		if _, err := tx.GetRole(ctx, parentID); err != nil {
			return fmt.Errorf("parent role %d: %w", parentID, err)
		}
		if _, err := tx.GetRole(ctx, childID); err != nil {
			return fmt.Errorf("child role %d: %w", childID, err)
		}

		edges, err := tx.HierarchyEdges(ctx)
		if err != nil {
			return err
		}
		graph := NewGraph(edges)
		if graph.HasEdge(parentID, childID) {
			return ErrDuplicateEdge
		}
		if graph.WouldCycle(parentID, childID) {
			return fmt.Errorf("%w: role %d already inherits from role %d", ErrRoleCycleRejected, parentID, childID)
		}

		edge = HierarchyEdge{
			ParentRoleID:     parentID,
			ChildRoleID:      childID,
			InheritanceLevel: graph.LevelFor(parentID),
		}
		return tx.InsertEdge(ctx, edge)
	})
	if err != nil {
		return nil, err
	}

	m.invalidateRole(ctx, childID)

	m.emit(actor, audit.Record{
		ActionType:   audit.ActionHierarchyEdgeAdd,
		TargetRoleID: audit.ID(childID),
		NewValue:     audit.Value(edge),
	})
	return &edge, nil
}

// RemoveHierarchyEdge deletes parent -> child
func (m *Manager) RemoveHierarchyEdge(ctx context.Context, actor Actor, parentID, childID int64) error {
	if err := m.store.DeleteEdge(ctx, parentID, childID); err != nil {
		return err
	}

	m.invalidateRole(ctx, childID)

	m.emit(actor, audit.Record{
		ActionType:   audit.ActionHierarchyEdgeDrop,
		TargetRoleID: audit.ID(childID),
		OldValue:     audit.Value(HierarchyEdge{ParentRoleID: parentID, ChildRoleID: childID}),
	})
	return nil
}

// AssignRole grants a role to a principal. An active assignment of the same
// role whose date range overlaps fails with ErrDuplicateRoleAssignment.
func (m *Manager) AssignRole(ctx context.Context, actor Actor, input AssignmentInput) (*RoleAssignment, error) {
	if input.PrincipalID <= 0 || input.RoleID <= 0 {
		return nil, fmt.Errorf("%w: principal_id and role_id are required", ErrInvalidInput)
	}
	if input.StartDate != nil && input.EndDate != nil && Day(*input.EndDate).Before(Day(*input.StartDate)) {
		return nil, fmt.Errorf("%w: end_date is before start_date", ErrInvalidInput)
	}

	assignment := &RoleAssignment{
		PrincipalID: input.PrincipalID,
		RoleID:      input.RoleID,
		StartDate:   dayPtr(input.StartDate),
		EndDate:     dayPtr(input.EndDate),
		IsActive:    true,
		AssignedBy:  actor.PrincipalID,
		Notes:       input.Notes,
	}

	err := m.store.WithTx(ctx, func(tx *Store) error {
		if err := tx.LockTable(ctx, "role_assignments"); err != nil {
			return err
		}
		if _, err := tx.GetRole(ctx, input.RoleID); err != nil {
			return err
		}
		existing, err := tx.ActiveAssignments(ctx, input.PrincipalID, input.RoleID)
		if err != nil {
			return err
		}
		for _, a := range existing {
			if a.Overlaps(assignment.StartDate, assignment.EndDate) {
				return fmt.Errorf("%w: assignment %d overlaps", ErrDuplicateRoleAssignment, a.ID)
			}
		}
		return tx.InsertAssignment(ctx, assignment)
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, input.PrincipalID)

	m.emit(actor, audit.Record{
		ActionType:        audit.ActionAssignmentAdd,
		TargetRoleID:      audit.ID(input.RoleID),
		TargetPrincipalID: audit.ID(input.PrincipalID),
		NewValue:          audit.Value(assignment),
	})
	return assignment, nil
}

// RemoveRole soft-revokes the principal's active assignments of a role,
// closing them today. History rows are kept.
func (m *Manager) RemoveRole(ctx context.Context, actor Actor, principalID, roleID int64) error {
	today := Day(m.now())

	var before []RoleAssignment
	err := m.store.WithTx(ctx, func(tx *Store) error {
		active, err := tx.ActiveAssignments(ctx, principalID, roleID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return ErrAssignmentNotFound
		}
		before = active
		_, err = tx.DeactivateAssignments(ctx, principalID, roleID, today)
		return err
	})
	if err != nil {
		return err
	}

	m.invalidate(ctx, principalID)

	after := make([]RoleAssignment, len(before))
	for i, a := range before {
		end := closingDate(a.StartDate, today)
		a.IsActive = false
		a.EndDate = &end
		after[i] = a
	}
	m.emit(actor, audit.Record{
		ActionType:        audit.ActionAssignmentRemove,
		TargetRoleID:      audit.ID(roleID),
		TargetPrincipalID: audit.ID(principalID),
		OldValue:          audit.Value(before),
		NewValue:          audit.Value(after),
	})
	return nil
}

// closingDate is the end date a revoked assignment receives: today, or its
// start date when it has not started yet
func closingDate(start *time.Time, today time.Time) time.Time {
	if start != nil && start.After(today) {
		return *start
	}
	return today
}

// CreatePermission registers a grantable permission
func (m *Manager) CreatePermission(ctx context.Context, actor Actor, name, category string) (*Permission, error) {
	pname := NewPermissionName(name)
	if pname == "" {
		return nil, fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}

	p := &Permission{Name: pname, Category: category}
	if err := m.store.InsertPermission(ctx, p); err != nil {
		return nil, err
	}

	m.emit(actor, audit.Record{
		ActionType:         audit.ActionPermissionCreate,
		TargetPermissionID: audit.ID(p.ID),
		NewValue:           audit.Value(p),
	})
	return p, nil
}

// invalidate and invalidateRole run after the data change has committed. A
// failure is logged and the mutation still succeeds; the entry then expires
// with the cache TTL.
func (m *Manager) invalidate(ctx context.Context, principalID int64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, principalID); err != nil {
		m.logger.WithError(err).WithField("principal_id", principalID).Error("Failed to invalidate permission cache")
	}
}

func (m *Manager) invalidateRole(ctx context.Context, roleID int64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateRole(ctx, roleID); err != nil {
		m.logger.WithError(err).WithField("role_id", roleID).Error("Failed to invalidate permission cache for role")
	}
}

func (m *Manager) emit(actor Actor, rec audit.Record) {
	rec.PerformedBy = actor.PrincipalID
	rec.IPAddress = actor.IP
	rec.UserAgent = actor.UserAgent
	rec.CreatedAt = m.now()
	m.audit.Emit(rec)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func dayPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := Day(*t)
	return &d
}
