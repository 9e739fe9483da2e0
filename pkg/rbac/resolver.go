package rbac

import (
	"context"
	"sort"
	"time"
)

// Reader is the read side of the role/permission store
type Reader interface {
	EffectiveAssignments(ctx context.Context, principalID int64, asOf time.Time) ([]RoleAssignment, error)
	DirectGrants(ctx context.Context, roleID int64) ([]PermissionName, error)
	HierarchyEdges(ctx context.Context) ([]HierarchyEdge, error)
	ListRoles(ctx context.Context) ([]Role, error)
	PrincipalsHoldingRoles(ctx context.Context, roleIDs []int64) ([]int64, error)
}

// Resolver computes effective roles and permissions from the store. For a
// fixed store state and clock date its results are deterministic.
type Resolver struct {
	reader Reader
	now    func() time.Time
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithClock overrides the date used to evaluate assignment windows
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver creates a resolver over reader
func NewResolver(reader Reader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		reader: reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reader returns the underlying store
func (r *Resolver) Reader() Reader {
	return r.reader
}

// ResolveEffectivePermissions returns the union of permissions granted to
// each effective role of the principal and to every ancestor of those roles
func (r *Resolver) ResolveEffectivePermissions(ctx context.Context, principalID int64) (PermissionSet, error) {
	assigned, roles, err := r.effectiveRoles(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if len(assigned) == 0 {
		return PermissionSet{}, nil
	}

	edges, err := r.reader.HierarchyEdges(ctx)
	if err != nil {
		return nil, err
	}
	graph := NewGraph(edges)

	contributing := make(map[int64]bool)
	for _, id := range assigned {
		contributing[id] = true
		for _, ancestor := range graph.Ancestors(id) {
			contributing[ancestor] = true
		}
	}

	ids := make([]int64, 0, len(contributing))
	for id := range contributing {
		// inactive ancestors grant nothing but still link their own parents
		if role, ok := roles[id]; ok && role.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var names []PermissionName
	for _, id := range ids {
		grants, err := r.reader.DirectGrants(ctx, id)
		if err != nil {
			return nil, err
		}
		names = append(names, grants...)
	}
	return NewPermissionSet(names...), nil
}

// ResolveEffectiveRoleNames returns the sorted names of the principal's
// effective, directly assigned roles
func (r *Resolver) ResolveEffectiveRoleNames(ctx context.Context, principalID int64) ([]RoleName, error) {
	assigned, roles, err := r.effectiveRoles(ctx, principalID)
	if err != nil {
		return nil, err
	}

	names := make([]RoleName, 0, len(assigned))
	for _, id := range assigned {
		names = append(names, roles[id].Name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// effectiveRoles returns the distinct active role ids effectively assigned to
// the principal and an index of all roles
func (r *Resolver) effectiveRoles(ctx context.Context, principalID int64) ([]int64, map[int64]Role, error) {
	assignments, err := r.reader.EffectiveAssignments(ctx, principalID, r.now())
	if err != nil {
		return nil, nil, err
	}
	if len(assignments) == 0 {
		return nil, nil, nil
	}

	all, err := r.reader.ListRoles(ctx)
	if err != nil {
		return nil, nil, err
	}
	roles := make(map[int64]Role, len(all))
	for _, role := range all {
		roles[role.ID] = role
	}

	seen := make(map[int64]bool, len(assignments))
	var ids []int64
	for _, a := range assignments {
		role, ok := roles[a.RoleID]
		if !ok || !role.IsActive || seen[a.RoleID] {
			continue
		}
		seen[a.RoleID] = true
		ids = append(ids, a.RoleID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, roles, nil
}
