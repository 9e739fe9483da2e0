package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/spoke-iam/pkg/storage/postgres"
)

const (
	roleColumns       = `id, name, description, is_active, display_order, created_at, updated_at`
	permissionColumns = `id, name, category, created_at`
	assignmentColumns = `id, principal_id, role_id, start_date, end_date, is_active, assigned_by, assigned_at, notes`
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the SQL role/permission store. It implements Reader and the
// primitives the Manager composes into mutations.
type Store struct {
	db       *sql.DB
	q        querier
	now      func() time.Time
	postgres bool
}

// NewStore creates a store on db
func NewStore(db *sql.DB) *Store {
	_, isPostgres := db.Driver().(*pq.Driver)
	return &Store{
		db:       db,
		q:        db,
		now:      func() time.Time { return time.Now().UTC() },
		postgres: isPostgres,
	}
}

// WithTx runs fn against a store bound to one transaction. The transaction
// commits when fn returns nil and rolls back otherwise. Nested calls reuse
// the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, now: s.now, postgres: s.postgres}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockTable serializes check-then-write sequences on table, such as the
// cycle check before inserting an edge, until the transaction ends. Other
// transactions can still read. SQLite needs no lock because its writers are
// already serialized.
func (s *Store) LockTable(ctx context.Context, table string) error {
	if !s.postgres {
		return nil
	}
	if _, ok := s.q.(*sql.Tx); !ok {
		return fmt.Errorf("table lock on %s requires a transaction", table)
	}
	if _, err := s.q.ExecContext(ctx, `LOCK TABLE `+pq.QuoteIdentifier(table)+` IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock %s: %w", table, err)
	}
	return nil
}

// EffectiveAssignments returns the principal's assignments effective on asOf
func (s *Store) EffectiveAssignments(ctx context.Context, principalID int64, asOf time.Time) ([]RoleAssignment, error) {
	all, err := s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE principal_id = $1 AND is_active = TRUE ORDER BY id`,
		principalID,
	)
	if err != nil {
		return nil, err
	}

	effective := all[:0]
	for _, a := range all {
		if a.EffectiveOn(asOf) {
			effective = append(effective, a)
		}
	}
	return effective, nil
}

// DirectGrants returns the permission names granted directly to a role
func (s *Store) DirectGrants(ctx context.Context, roleID int64) ([]PermissionName, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT p.name FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role grants: %w", err)
	}
	defer rows.Close()

	var names []PermissionName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		names = append(names, PermissionName(name))
	}
	return names, rows.Err()
}

// HierarchyEdges returns every parent/child edge
func (s *Store) HierarchyEdges(ctx context.Context) ([]HierarchyEdge, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT parent_role_id, child_role_id, inheritance_level FROM role_hierarchy ORDER BY parent_role_id, child_role_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query role hierarchy: %w", err)
	}
	defer rows.Close()

	var edges []HierarchyEdge
	for rows.Next() {
		var e HierarchyEdge
		if err := rows.Scan(&e.ParentRoleID, &e.ChildRoleID, &e.InheritanceLevel); err != nil {
			return nil, fmt.Errorf("failed to scan hierarchy edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ListRoles returns every role in display order
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY display_order, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// PrincipalsHoldingRoles returns the distinct principals with an active
// assignment to any of roleIDs, regardless of assignment dates
func (s *Store) PrincipalsHoldingRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(roleIDs))
	args := make([]interface{}, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := `SELECT DISTINCT principal_id FROM role_assignments
		WHERE role_id IN (` + strings.Join(placeholders, ", ") + `) AND is_active = TRUE
		ORDER BY principal_id`
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query role holders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan principal id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetRole loads a role by id
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// GetRoleByName loads a role by its exact name
func (s *Store) GetRoleByName(ctx context.Context, name RoleName) (*Role, error) {
	r, err := scanRole(s.q.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, string(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// InsertRole creates a role and fills in its id and timestamps
func (s *Store) InsertRole(ctx context.Context, role *Role) error {
	if _, err := s.GetRoleByName(ctx, role.Name); err == nil {
		return ErrRoleNameTaken
	} else if !errors.Is(err, ErrRoleNotFound) {
		return err
	}

	now := s.now()
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO roles (name, description, is_active, display_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, string(role.Name), role.Description, role.IsActive, role.DisplayOrder, now, now).Scan(&role.ID)
	if postgres.IsUniqueViolation(err) {
		return ErrRoleNameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// UpdateRoleName renames a role
func (s *Store) UpdateRoleName(ctx context.Context, id int64, name RoleName) error {
	existing, err := s.GetRoleByName(ctx, name)
	if err == nil && existing.ID != id {
		return ErrRoleNameTaken
	}
	if err != nil && !errors.Is(err, ErrRoleNotFound) {
		return err
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE roles SET name = $1, updated_at = $2 WHERE id = $3`,
		string(name), s.now(), id,
	)
	if postgres.IsUniqueViolation(err) {
		return ErrRoleNameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to rename role: %w", err)
	}
	return requireRow(result, ErrRoleNotFound)
}

// UpdateRoleActive activates or deactivates a role
func (s *Store) UpdateRoleActive(ctx context.Context, id int64, active bool) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE roles SET is_active = $1, updated_at = $2 WHERE id = $3`,
		active, s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireRow(result, ErrRoleNotFound)
}

// DeleteRole removes a role with its grants and hierarchy edges
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role grants: %w", err)
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM role_hierarchy WHERE parent_role_id = $1 OR child_role_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role edges: %w", err)
	}
	result, err := s.q.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return requireRow(result, ErrRoleNotFound)
}

// CountAssignments counts every assignment row referencing a role,
// including revoked ones kept for history
func (s *Store) CountAssignments(ctx context.Context, roleID int64) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM role_assignments WHERE role_id = $1`, roleID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count role assignments: %w", err)
	}
	return n, nil
}

// ListPermissions returns every permission ordered by name
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
}

// PermissionsForRole returns the permissions granted directly to a role
func (s *Store) PermissionsForRole(ctx context.Context, roleID int64) ([]Permission, error) {
	return s.queryPermissions(ctx, `
		SELECT p.id, p.name, p.category, p.created_at FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
}

// GetPermission loads a permission by id
func (s *Store) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	p, err := scanPermission(s.q.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPermissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// GetPermissionByName loads a permission by name
func (s *Store) GetPermissionByName(ctx context.Context, name PermissionName) (*Permission, error) {
	p, err := scanPermission(s.q.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, string(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPermissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// InsertPermission creates a permission and fills in its id
func (s *Store) InsertPermission(ctx context.Context, p *Permission) error {
	if _, err := s.GetPermissionByName(ctx, p.Name); err == nil {
		return ErrPermissionNameTaken
	} else if !errors.Is(err, ErrPermissionNotFound) {
		return err
	}

	now := s.now()
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO permissions (name, category, created_at) VALUES ($1, $2, $3) RETURNING id`,
		string(p.Name), p.Category, now,
	).Scan(&p.ID)
	if postgres.IsUniqueViolation(err) {
		return ErrPermissionNameTaken
	}
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	p.CreatedAt = now
	return nil
}

// ReplaceRolePermissions replaces every direct grant of a role. Callers run
// it inside WithTx so the replacement is atomic.
func (s *Store) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("failed to clear role grants: %w", err)
	}
	for _, pid := range permissionIDs {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
			roleID, pid,
		); err != nil {
			return fmt.Errorf("failed to grant permission %d: %w", pid, err)
		}
	}
	return nil
}

// InsertEdge records a hierarchy edge
func (s *Store) InsertEdge(ctx context.Context, edge HierarchyEdge) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO role_hierarchy (parent_role_id, child_role_id, inheritance_level, created_at)
		VALUES ($1, $2, $3, $4)
	`, edge.ParentRoleID, edge.ChildRoleID, edge.InheritanceLevel, s.now())
	if postgres.IsUniqueViolation(err) {
		return ErrDuplicateEdge
	}
	if err != nil {
		return fmt.Errorf("failed to create hierarchy edge: %w", err)
	}
	return nil
}

// DeleteEdge removes a hierarchy edge
func (s *Store) DeleteEdge(ctx context.Context, parentID, childID int64) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2`,
		parentID, childID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete hierarchy edge: %w", err)
	}
	return requireRow(result, ErrEdgeNotFound)
}

// ActiveAssignments returns the principal's active assignments of one role
func (s *Store) ActiveAssignments(ctx context.Context, principalID, roleID int64) ([]RoleAssignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments
		WHERE principal_id = $1 AND role_id = $2 AND is_active = TRUE ORDER BY id`,
		principalID, roleID,
	)
}

// ListAssignments returns every assignment of a principal, history included
func (s *Store) ListAssignments(ctx context.Context, principalID int64) ([]RoleAssignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE principal_id = $1 ORDER BY assigned_at DESC, id DESC`,
		principalID,
	)
}

// InsertAssignment records an assignment and fills in its id
func (s *Store) InsertAssignment(ctx context.Context, a *RoleAssignment) error {
	a.AssignedAt = s.now()
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO role_assignments (principal_id, role_id, start_date, end_date, is_active, assigned_by, assigned_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, a.PrincipalID, a.RoleID, nullTime(a.StartDate), nullTime(a.EndDate), a.IsActive, a.AssignedBy, a.AssignedAt, a.Notes).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to create role assignment: %w", err)
	}
	return nil
}

// DeactivateAssignments soft-revokes the principal's active assignments of a
// role, closing them at endDate. An assignment that has not started yet is
// closed at its start date so end_date never precedes start_date. Rows are
// kept for history.
func (s *Store) DeactivateAssignments(ctx context.Context, principalID, roleID int64, endDate time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE role_assignments SET is_active = FALSE,
			end_date = CASE WHEN start_date IS NOT NULL AND start_date > $1 THEN start_date ELSE $1 END
		WHERE principal_id = $2 AND role_id = $3 AND is_active = TRUE
	`, endDate, principalID, roleID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke role assignment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]RoleAssignment, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query role assignments: %w", err)
	}
	defer rows.Close()

	var out []RoleAssignment
	for rows.Next() {
		var (
			a          RoleAssignment
			start, end sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &start, &end, &a.IsActive, &a.AssignedBy, &a.AssignedAt, &a.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		if start.Valid {
			t := start.Time
			a.StartDate = &t
		}
		if end.Valid {
			t := end.Time
			a.EndDate = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]Permission, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRole(row scanner) (*Role, error) {
	var (
		r    Role
		name string
	)
	if err := row.Scan(&r.ID, &name, &r.Description, &r.IsActive, &r.DisplayOrder, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Name = RoleName(name)
	return &r, nil
}

func scanPermission(row scanner) (*Permission, error) {
	var (
		p    Permission
		name string
	)
	if err := row.Scan(&p.ID, &name, &p.Category, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Name = PermissionName(name)
	return &p, nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return Day(*t)
}
