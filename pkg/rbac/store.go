package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

// ErrImmutableRole is returned for any mutation of the root role or its grants.
var ErrImmutableRole = errdefs.Constraint("the root role is immutable")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists the permission/role graph.
type Store struct {
	db  DBTX
	now func() time.Time
}

// NewStore creates a new graph store
func NewStore(db DBTX) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx, now: s.now}
}

// Permissions

// CreatePermission inserts p and fills in its id and timestamps.
func (s *Store) CreatePermission(ctx context.Context, p *Permission) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errdefs.ValidationErrors{"name": "is required"}
	}
	if p.GuardName == "" {
		p.GuardName = DefaultGuard
	}

	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO permissions (name, description, guard_name, set_menu, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, p.Name, p.Description, p.GuardName, p.SetMenu, now).Scan(&p.ID)
	if err != nil {
		return errdefs.Storage("failed to create permission", err)
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

const permissionColumns = "id, name, description, guard_name, set_menu, created_at, updated_at"

func scanPermission(row interface{ Scan(...interface{}) error }) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.GuardName, &p.SetMenu, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPermission retrieves a permission by ID
func (s *Store) GetPermission(ctx context.Context, id int64) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("permission", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get permission", err)
	}
	return p, nil
}

// GetPermissionByName retrieves a permission by its unique name
func (s *Store) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx,
		"SELECT "+permissionColumns+" FROM permissions WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("permission", name)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get permission", err)
	}
	return p, nil
}

// ListPermissions returns every permission ordered by name
func (s *Store) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+permissionColumns+" FROM permissions ORDER BY name")
	if err != nil {
		return nil, errdefs.Storage("failed to list permissions", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan permission", err)
		}
		perms = append(perms, *p)
	}
	return perms, rows.Err()
}

// PermissionUsage counts the roles and principals referencing a permission.
func (s *Store) PermissionUsage(ctx context.Context, id int64) (roles, users int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM role_has_permissions WHERE permission_id = $1),
			(SELECT COUNT(*) FROM user_has_permissions WHERE permission_id = $1)
	`, id).Scan(&roles, &users)
	if err != nil {
		return 0, 0, errdefs.Storage("failed to count permission usage", err)
	}
	return roles, users, nil
}

// UpdatePermission saves p. A referenced permission may change only its
// description and menu flag.
func (s *Store) UpdatePermission(ctx context.Context, p *Permission) error {
	current, err := s.GetPermission(ctx, p.ID)
	if err != nil {
		return err
	}

	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return errdefs.ValidationErrors{"name": "is required"}
	}
	if p.GuardName == "" {
		p.GuardName = current.GuardName
	}
	if p.Name != current.Name || p.GuardName != current.GuardName {
		roles, users, err := s.PermissionUsage(ctx, p.ID)
		if err != nil {
			return err
		}
		if roles+users > 0 {
			return errdefs.Constraint("permission %q is assigned to %d roles and %d users; only its description and menu flag may change",
				current.Name, roles, users)
		}
	}

	p.UpdatedAt = s.now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE permissions SET name = $1, description = $2, guard_name = $3, set_menu = $4, updated_at = $5
		WHERE id = $6
	`, p.Name, p.Description, p.GuardName, p.SetMenu, p.UpdatedAt, p.ID)
	if err != nil {
		return errdefs.Storage("failed to update permission", err)
	}
	p.CreatedAt = current.CreatedAt
	return nil
}

// DeletePermission removes an unreferenced permission.
func (s *Store) DeletePermission(ctx context.Context, id int64) error {
	current, err := s.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	roles, users, err := s.PermissionUsage(ctx, id)
	if err != nil {
		return err
	}
	if roles+users > 0 {
		return errdefs.Constraint("permission %q is assigned to %d roles and %d users", current.Name, roles, users)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM permissions WHERE id = $1", id); err != nil {
		return errdefs.Storage("failed to delete permission", err)
	}
	return nil
}

// Roles

// CreateRole inserts r (without permissions) and fills in its id.
func (s *Store) CreateRole(ctx context.Context, r *Role) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errdefs.ValidationErrors{"name": "is required"}
	}
	if r.GuardName == "" {
		r.GuardName = DefaultGuard
	}

	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO roles (name, description, guard_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, r.Name, r.Description, r.GuardName, now).Scan(&r.ID)
	if err != nil {
		return errdefs.Storage("failed to create role", err)
	}

	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

const roleColumns = "id, name, description, guard_name, created_at, updated_at"

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.GuardName, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRole retrieves a role with its permissions
func (s *Store) GetRole(ctx context.Context, id int64) (*Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("role", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get role", err)
	}
	if r.Permissions, err = s.rolePermissions(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRoleByName retrieves a role with its permissions by unique name
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	r, err := scanRole(s.db.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles WHERE name = $1", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("role", name)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get role", err)
	}
	if r.Permissions, err = s.rolePermissions(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.guard_name, p.set_menu, p.created_at, p.updated_at
		FROM permissions p
		JOIN role_has_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, roleID)
	if err != nil {
		return nil, errdefs.Storage("failed to load role permissions", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan permission", err)
		}
		perms = append(perms, *p)
	}
	return perms, rows.Err()
}

// ListRoles returns every role (without permissions) ordered by id
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles ORDER BY id")
	if err != nil {
		return nil, errdefs.Storage("failed to list roles", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan role", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// UpdateRole saves the name and description of r.
func (s *Store) UpdateRole(ctx context.Context, r *Role) error {
	if r.ID == RootRoleID {
		return ErrImmutableRole
	}
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errdefs.ValidationErrors{"name": "is required"}
	}

	r.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE roles SET name = $1, description = $2, updated_at = $3 WHERE id = $4
	`, r.Name, r.Description, r.UpdatedAt, r.ID)
	if err != nil {
		return errdefs.Storage("failed to update role", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("role", r.ID)
	}
	return nil
}

// RoleUsage counts the principals and permissions attached to a role.
func (s *Store) RoleUsage(ctx context.Context, id int64) (users, permissions int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM user_has_roles WHERE role_id = $1),
			(SELECT COUNT(*) FROM role_has_permissions WHERE role_id = $1)
	`, id).Scan(&users, &permissions)
	if err != nil {
		return 0, 0, errdefs.Storage("failed to count role usage", err)
	}
	return users, permissions, nil
}

// DeleteRole removes a role that has neither principals nor permissions.
func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	if id == RootRoleID {
		return ErrImmutableRole
	}
	role, err := s.GetRole(ctx, id)
	if err != nil {
		return err
	}
	users, perms, err := s.RoleUsage(ctx, id)
	if err != nil {
		return err
	}
	if users > 0 || perms > 0 {
		return errdefs.Constraint("role %q still has %d users and %d permissions", role.Name, users, perms)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", id); err != nil {
		return errdefs.Storage("failed to delete role", err)
	}
	return nil
}

// RolePermissionIDs returns the ids of the permissions granted to a role.
func (s *Store) RolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT permission_id FROM role_has_permissions WHERE role_id = $1 ORDER BY permission_id", roleID)
}

// GrantToRole adds a permission to a role. It reports whether an edge was added.
func (s *Store) GrantToRole(ctx context.Context, roleID, permissionID int64) (bool, error) {
	if roleID == RootRoleID {
		return false, ErrImmutableRole
	}
	return s.insertEdge(ctx, "role_has_permissions", "role_id", "permission_id", roleID, permissionID)
}

// RevokeFromRole removes a permission from a role. It reports whether an edge was removed.
func (s *Store) RevokeFromRole(ctx context.Context, roleID, permissionID int64) (bool, error) {
	if roleID == RootRoleID {
		return false, ErrImmutableRole
	}
	return s.deleteEdge(ctx, "role_has_permissions", "role_id", "permission_id", roleID, permissionID)
}

// SyncRolePermissions makes the role's permissions exactly permissionIDs.
func (s *Store) SyncRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (SyncResult, error) {
	if roleID == RootRoleID {
		return SyncResult{}, ErrImmutableRole
	}
	if err := s.requireIDs(ctx, "permissions", "permissions", permissionIDs); err != nil {
		return SyncResult{}, err
	}
	have, err := s.RolePermissionIDs(ctx, roleID)
	if err != nil {
		return SyncResult{}, err
	}
	return s.applySync(ctx, DiffIDs(have, permissionIDs), "role_has_permissions", "role_id", "permission_id", roleID)
}

// Principals

// UserRoleIDs returns the ids of the roles assigned to a principal.
func (s *Store) UserRoleIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT role_id FROM user_has_roles WHERE user_id = $1 ORDER BY role_id", userID)
}

// UserPermissionIDs returns the ids of the permissions granted directly to a principal.
func (s *Store) UserPermissionIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT permission_id FROM user_has_permissions WHERE user_id = $1 ORDER BY permission_id", userID)
}

// AssignRole is idempotent; it reports whether the principal gained the role.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) (bool, error) {
	return s.insertEdge(ctx, "user_has_roles", "user_id", "role_id", userID, roleID)
}

// RemoveRole is idempotent; it reports whether the principal lost the role.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID int64) (bool, error) {
	return s.deleteEdge(ctx, "user_has_roles", "user_id", "role_id", userID, roleID)
}

// Grant gives a principal a direct permission. It reports whether state changed.
func (s *Store) Grant(ctx context.Context, userID, permissionID int64) (bool, error) {
	return s.insertEdge(ctx, "user_has_permissions", "user_id", "permission_id", userID, permissionID)
}

// Revoke removes a direct permission. Role-derived grants are unaffected.
func (s *Store) Revoke(ctx context.Context, userID, permissionID int64) (bool, error) {
	return s.deleteEdge(ctx, "user_has_permissions", "user_id", "permission_id", userID, permissionID)
}

// SyncUserRoles makes the principal's roles exactly roleIDs.
func (s *Store) SyncUserRoles(ctx context.Context, userID int64, roleIDs []int64) (SyncResult, error) {
	if err := s.requireIDs(ctx, "roles", "roles", roleIDs); err != nil {
		return SyncResult{}, err
	}
	have, err := s.UserRoleIDs(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}
	return s.applySync(ctx, DiffIDs(have, roleIDs), "user_has_roles", "user_id", "role_id", userID)
}

// SyncUserPermissions makes the principal's direct permissions exactly permissionIDs.
func (s *Store) SyncUserPermissions(ctx context.Context, userID int64, permissionIDs []int64) (SyncResult, error) {
	if err := s.requireIDs(ctx, "permissions", "permissions", permissionIDs); err != nil {
		return SyncResult{}, err
	}
	have, err := s.UserPermissionIDs(ctx, userID)
	if err != nil {
		return SyncResult{}, err
	}
	return s.applySync(ctx, DiffIDs(have, permissionIDs), "user_has_permissions", "user_id", "permission_id", userID)
}

// LoadPermissionSet resolves the grants of a principal from storage.
func (s *Store) LoadPermissionSet(ctx context.Context, userID int64) (*PermissionSet, error) {
	roleIDs, err := s.UserRoleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name FROM permissions p
		JOIN user_has_permissions up ON up.permission_id = p.id
		WHERE up.user_id = $1
		UNION
		SELECT p.name FROM permissions p
		JOIN role_has_permissions rp ON rp.permission_id = p.id
		JOIN user_has_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, errdefs.Storage("failed to load permissions", err)
	}
	defer rows.Close()

	set := &PermissionSet{UserID: userID, RoleIDs: roleIDs, Granted: map[string]bool{}}
	for _, id := range roleIDs {
		if id == RootRoleID {
			set.Root = true
		}
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errdefs.Storage("failed to scan permission name", err)
		}
		set.Granted[name] = true
	}
	return set, rows.Err()
}

// ActiveHolders lists the principals that are neither disabled nor deleted and
// can exercise the named permission, either through a grant or the root role.
func (s *Store) ActiveHolders(ctx context.Context, name string) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT u.id FROM users u
		WHERE u.deleted_at IS NULL AND u.disabled_at IS NULL AND (
			EXISTS (
				SELECT 1 FROM user_has_permissions up
				JOIN permissions p ON p.id = up.permission_id
				WHERE up.user_id = u.id AND p.name = $1
			) OR EXISTS (
				SELECT 1 FROM user_has_roles ur
				JOIN role_has_permissions rp ON rp.role_id = ur.role_id
				JOIN permissions p ON p.id = rp.permission_id
				WHERE ur.user_id = u.id AND p.name = $1
			) OR EXISTS (
				SELECT 1 FROM user_has_roles ur WHERE ur.user_id = u.id AND ur.role_id = $2
			)
		)
		ORDER BY u.id
	`, name, RootRoleID)
}

// UsersWithRole lists the principals assigned a role.
func (s *Store) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	return s.queryIDs(ctx, "SELECT user_id FROM user_has_roles WHERE role_id = $1 ORDER BY user_id", roleID)
}

// helpers

func (s *Store) queryIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Storage("failed to query ids", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errdefs.Storage("failed to scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) insertEdge(ctx context.Context, table, leftCol, rightCol string, left, right int64) (bool, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, %s) VALUES ($1, $2) ON CONFLICT DO NOTHING", table, leftCol, rightCol)
	res, err := s.db.ExecContext(ctx, query, left, right)
	if err != nil {
		return false, errdefs.Storage("failed to insert into "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errdefs.Storage("failed to read affected rows", err)
	}
	return n > 0, nil
}

func (s *Store) deleteEdge(ctx context.Context, table, leftCol, rightCol string, left, right int64) (bool, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1 AND %s = $2", table, leftCol, rightCol)
	res, err := s.db.ExecContext(ctx, query, left, right)
	if err != nil {
		return false, errdefs.Storage("failed to delete from "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errdefs.Storage("failed to read affected rows", err)
	}
	return n > 0, nil
}

func (s *Store) applySync(ctx context.Context, diff SyncResult, table, leftCol, rightCol string, left int64) (SyncResult, error) {
	for _, id := range diff.Detached {
		if _, err := s.deleteEdge(ctx, table, leftCol, rightCol, left, id); err != nil {
			return SyncResult{}, err
		}
	}
	for _, id := range diff.Attached {
		if _, err := s.insertEdge(ctx, table, leftCol, rightCol, left, id); err != nil {
			return SyncResult{}, err
		}
	}
	return diff, nil
}

// requireIDs fails with a validation error naming field when any id is unknown.
func (s *Store) requireIDs(ctx context.Context, table, field string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	found, err := s.queryIDs(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE id IN (%s)", table, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return err
	}
	known := make(map[int64]bool, len(found))
	for _, id := range found {
		known[id] = true
	}
	for _, id := range ids {
		if !known[id] {
			return errdefs.ValidationErrors{field: fmt.Sprintf("unknown id %d", id)}
		}
	}
	return nil
}
