package rbac

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Seed is a declarative set of permissions, roles, grants and hierarchy
// edges applied at startup:
//
//	permissions:
//	  - name: rbac.manage
//	    category: admin
//	roles:
//	  - name: Manager
//	    permissions: [rbac.manage]
//	  - name: Staff
//	    parents: [Manager]
type Seed struct {
	Permissions []SeedPermission `yaml:"permissions"`
	Roles       []SeedRole       `yaml:"roles"`
}

// SeedPermission declares a permission
type SeedPermission struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// SeedRole declares a role. A nil Permissions list leaves existing grants
// untouched; an empty list clears them.
type SeedRole struct {
	RoleInput   `yaml:",inline"`
	Permissions []string `yaml:"permissions"`
	Parents     []string `yaml:"parents"`
}

// LoadSeed parses and validates a YAML seed document
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse RBAC seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

// Validate checks names are present and references resolve within the seed
// or are left for ApplySeed to resolve against the store
func (s *Seed) Validate() error {
	perms := make(map[PermissionName]bool)
	for _, p := range s.Permissions {
		name := NewPermissionName(p.Name)
		if name == "" {
			return fmt.Errorf("%w: seed permission without a name", ErrInvalidInput)
		}
		if perms[name] {
			return fmt.Errorf("%w: seed permission %q declared twice", ErrInvalidInput, name)
		}
		perms[name] = true
	}

	roles := make(map[RoleName]bool)
	for _, r := range s.Roles {
		name := NewRoleName(r.Name)
		if name == "" {
			return fmt.Errorf("%w: seed role without a name", ErrInvalidInput)
		}
		if roles[name] {
			return fmt.Errorf("%w: seed role %q declared twice", ErrInvalidInput, name)
		}
		roles[name] = true
	}
	for _, r := range s.Roles {
		for _, parent := range r.Parents {
			if NewRoleName(parent) == NewRoleName(r.Name) {
				return fmt.Errorf("%w: seed role %q lists itself as parent", ErrRoleCycleRejected, r.Name)
			}
		}
	}
	return nil
}

// ApplySeed creates whatever the seed declares and the store lacks. Running
// it twice changes nothing the second time. Grants are replaced for roles
// that list permissions; edges are only ever added.
func ApplySeed(ctx context.Context, m *Manager, actor Actor, seed *Seed) error {
	store := m.Store()

	permIDs := make(map[PermissionName]int64)
	for _, sp := range seed.Permissions {
		name := NewPermissionName(sp.Name)
		p, err := store.GetPermissionByName(ctx, name)
		if errors.Is(err, ErrPermissionNotFound) {
			p, err = m.CreatePermission(ctx, actor, string(name), sp.Category)
		}
		if err != nil {
			return fmt.Errorf("seed permission %q: %w", name, err)
		}
		permIDs[name] = p.ID
	}

	roleIDs := make(map[RoleName]int64)
	for _, sr := range seed.Roles {
		name := NewRoleName(sr.Name)
		role, err := store.GetRoleByName(ctx, name)
		if errors.Is(err, ErrRoleNotFound) {
			role, err = m.CreateRole(ctx, actor, sr.RoleInput)
		}
		if err != nil {
			return fmt.Errorf("seed role %q: %w", name, err)
		}
		roleIDs[name] = role.ID
	}

	for _, sr := range seed.Roles {
		if sr.Permissions == nil {
			continue
		}
		roleID := roleIDs[NewRoleName(sr.Name)]

		ids := make([]int64, 0, len(sr.Permissions))
		for _, pn := range sr.Permissions {
			name := NewPermissionName(pn)
			id, ok := permIDs[name]
			if !ok {
				p, err := store.GetPermissionByName(ctx, name)
				if err != nil {
					return fmt.Errorf("seed role %q permission %q: %w", sr.Name, name, err)
				}
				id = p.ID
			}
			ids = append(ids, id)
		}

		current, err := store.DirectGrants(ctx, roleID)
		if err != nil {
			return err
		}
		if sameGrants(current, sr.Permissions) {
			continue
		}
		if err := m.SetRolePermissions(ctx, actor, roleID, ids); err != nil {
			return fmt.Errorf("seed role %q grants: %w", sr.Name, err)
		}
	}

	for _, sr := range seed.Roles {
		childID := roleIDs[NewRoleName(sr.Name)]
		for _, parent := range sr.Parents {
			parentName := NewRoleName(parent)
			parentID, ok := roleIDs[parentName]
			if !ok {
				role, err := store.GetRoleByName(ctx, parentName)
				if err != nil {
					return fmt.Errorf("seed role %q parent %q: %w", sr.Name, parentName, err)
				}
				parentID = role.ID
			}
			_, err := m.AddHierarchyEdge(ctx, actor, parentID, childID)
			if err != nil && !errors.Is(err, ErrDuplicateEdge) {
				return fmt.Errorf("seed edge %q -> %q: %w", parentName, sr.Name, err)
			}
		}
	}

	return nil
}

func sameGrants(current []PermissionName, declared []string) bool {
	want := make([]PermissionName, len(declared))
	for i, d := range declared {
		want[i] = NewPermissionName(d)
	}
	a, b := NewPermissionSet(current...), NewPermissionSet(want...)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
