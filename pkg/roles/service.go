// Package roles manages roles and permissions on top of the rbac graph. Every
// mutation is authorized by the policy evaluator and recorded in the activity
// log inside the same transaction.
package roles

import (
	"context"
	"database/sql"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

var tracer = observability.Tracer("roles")

// Authorizer is the subset of *policy.Evaluator the service needs.
type Authorizer interface {
	AuthorizePermission(ctx context.Context, actorID int64, permission string) error
	AuthorizeRole(ctx context.Context, actorID, roleID int64, permission string) error
}

// RoleInput creates or replaces a role. A nil Permissions leaves the role's
// grants untouched on update.
type RoleInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	GuardName   string   `json:"guard_name,omitempty"`
	Permissions *[]int64 `json:"permissions,omitempty"`
}

// PermissionInput creates or replaces a permission.
type PermissionInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	GuardName   string `json:"guard_name,omitempty"`
	SetMenu     bool   `json:"set_menu"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	DB         *sql.DB
	Audit      *audit.Writer
	Authorizer Authorizer
	Checker    rbac.Checker
}

// Service implements role and permission management.
type Service struct {
	db      *sql.DB
	graph   *rbac.Store
	audit   *audit.Writer
	auth    Authorizer
	checker rbac.Checker
}

// NewService creates a role service
func NewService(d Deps) *Service {
	return &Service{
		db:      d.DB,
		graph:   rbac.NewStore(d.DB),
		audit:   d.Audit,
		auth:    d.Authorizer,
		checker: d.Checker,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(graph *rbac.Store, w *audit.Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Storage("failed to begin transaction", err)
	}
	if err := fn(s.graph.WithTx(tx), s.audit.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Storage("failed to commit transaction", err)
	}
	return nil
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context, actorID int64) ([]rbac.Role, error) {
	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermReadRoles); err != nil {
		return nil, err
	}
	roles, err := s.graph.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []rbac.Role{}
	}
	return roles, nil
}

// GetRole returns a role with its permissions.
func (s *Service) GetRole(ctx context.Context, actorID, id int64) (*rbac.Role, error) {
	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermReadRoles); err != nil {
		return nil, err
	}
	return s.graph.GetRole(ctx, id)
}

// CreateRole inserts a role and grants it the requested permissions.
func (s *Service) CreateRole(ctx context.Context, actorID int64, in RoleInput) (role *rbac.Role, err error) {
	ctx, span := tracer.Start(ctx, "roles.CreateRole")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermCreateRoles); err != nil {
		return nil, err
	}

	role = &rbac.Role{Name: in.Name, Description: in.Description, GuardName: in.GuardName}
	err = s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		if err := graph.CreateRole(ctx, role); err != nil {
			return err
		}
		ref := audit.RoleRef(role.ID, role.Name)
		if err := w.RecordBestEffort(ctx, audit.Created(audit.LogRoles, ref, role.AuditAttributes())); err != nil {
			return err
		}
		if in.Permissions == nil {
			return nil
		}
		diff, err := graph.SyncRolePermissions(ctx, role.ID, *in.Permissions)
		if err != nil {
			return err
		}
		return s.recordGrants(ctx, graph, w, ref, diff)
	})
	if err != nil {
		return nil, err
	}
	return s.graph.GetRole(ctx, role.ID)
}

// UpdateRole replaces a role's name and description and, when given, its
// permission set. The root role is refused by the evaluator.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, in RoleInput) (role *rbac.Role, err error) {
	ctx, span := tracer.Start(ctx, "roles.UpdateRole")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizeRole(ctx, actorID, id, rbac.PermUpdateRoles); err != nil {
		return nil, err
	}

	changedGrants := false
	err = s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		current, err := graph.GetRole(ctx, id)
		if err != nil {
			return err
		}
		before := current.AuditAttributes()
		next := *current
		next.Name = in.Name
		next.Description = in.Description
		if err := graph.UpdateRole(ctx, &next); err != nil {
			return err
		}
		ref := audit.RoleRef(next.ID, next.Name)
		if e, ok := audit.Updated(audit.LogRoles, ref, before, next.AuditAttributes()); ok {
			if err := w.RecordBestEffort(ctx, e); err != nil {
				return err
			}
		}
		if in.Permissions == nil {
			return nil
		}
		diff, err := graph.SyncRolePermissions(ctx, id, *in.Permissions)
		if err != nil {
			return err
		}
		changedGrants = diff.Changed()
		return s.recordGrants(ctx, graph, w, ref, diff)
	})
	if err != nil {
		return nil, err
	}
	if changedGrants {
		s.checker.InvalidateAll(ctx)
	}
	return s.graph.GetRole(ctx, id)
}

// DeleteRole removes a role with neither principals nor permissions.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) (err error) {
	ctx, span := tracer.Start(ctx, "roles.DeleteRole")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizeRole(ctx, actorID, id, rbac.PermDeleteRoles); err != nil {
		return err
	}
	return s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		role, err := graph.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if err := graph.DeleteRole(ctx, id); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogRoles, audit.EventDeleted, audit.RoleRef(role.ID, role.Name)))
	})
}

// recordGrants writes one authorized entry per permission attached to or
// detached from the role.
func (s *Service) recordGrants(ctx context.Context, graph *rbac.Store, w *audit.Writer, role audit.Ref, diff rbac.SyncResult) error {
	ref := func(id int64) (audit.Ref, error) {
		p, err := graph.GetPermission(ctx, id)
		if err != nil {
			return audit.Ref{}, err
		}
		return audit.PermissionRef(p.ID, p.Name), nil
	}
	for _, id := range diff.Attached {
		obj, err := ref(id)
		if err != nil {
			return err
		}
		if err := w.RecordBestEffort(ctx, audit.Granted(audit.LogRoles, obj, role)); err != nil {
			return err
		}
	}
	for _, id := range diff.Detached {
		obj, err := ref(id)
		if err != nil {
			return err
		}
		if err := w.RecordBestEffort(ctx, audit.Revoked(audit.LogRoles, obj, role)); err != nil {
			return err
		}
	}
	return nil
}

// ListPermissions returns every permission.
func (s *Service) ListPermissions(ctx context.Context, actorID int64) ([]rbac.Permission, error) {
	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermReadPermissions); err != nil {
		return nil, err
	}
	perms, err := s.graph.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	if perms == nil {
		perms = []rbac.Permission{}
	}
	return perms, nil
}

// GetPermission returns one permission.
func (s *Service) GetPermission(ctx context.Context, actorID, id int64) (*rbac.Permission, error) {
	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermReadPermissions); err != nil {
		return nil, err
	}
	return s.graph.GetPermission(ctx, id)
}

// CreatePermission inserts a permission.
func (s *Service) CreatePermission(ctx context.Context, actorID int64, in PermissionInput) (p *rbac.Permission, err error) {
	ctx, span := tracer.Start(ctx, "roles.CreatePermission")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermCreatePermissions); err != nil {
		return nil, err
	}
	p = &rbac.Permission{Name: in.Name, Description: in.Description, GuardName: in.GuardName, SetMenu: in.SetMenu}
	err = s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		if err := graph.CreatePermission(ctx, p); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Created(audit.LogPermissions, audit.PermissionRef(p.ID, p.Name), p.AuditAttributes()))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePermission replaces a permission. Referenced permissions keep their name.
func (s *Service) UpdatePermission(ctx context.Context, actorID, id int64, in PermissionInput) (p *rbac.Permission, err error) {
	ctx, span := tracer.Start(ctx, "roles.UpdatePermission")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermUpdatePermissions); err != nil {
		return nil, err
	}
	renamed := false
	err = s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		current, err := graph.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		p = &rbac.Permission{ID: id, Name: in.Name, Description: in.Description, GuardName: in.GuardName, SetMenu: in.SetMenu}
		if err := graph.UpdatePermission(ctx, p); err != nil {
			return err
		}
		renamed = p.Name != current.Name
		e, ok := audit.Updated(audit.LogPermissions, audit.PermissionRef(p.ID, p.Name), current.AuditAttributes(), p.AuditAttributes())
		if !ok {
			return nil
		}
		return w.RecordBestEffort(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	if renamed {
		s.checker.InvalidateAll(ctx)
	}
	return p, nil
}

// DeletePermission removes a permission no role or principal holds.
func (s *Service) DeletePermission(ctx context.Context, actorID, id int64) (err error) {
	ctx, span := tracer.Start(ctx, "roles.DeletePermission")
	defer func() { observability.EndSpan(span, err) }()

	if err := s.auth.AuthorizePermission(ctx, actorID, rbac.PermDeletePermissions); err != nil {
		return err
	}
	return s.inTx(ctx, func(graph *rbac.Store, w *audit.Writer) error {
		p, err := graph.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		if err := graph.DeletePermission(ctx, id); err != nil {
			return err
		}
		return w.RecordBestEffort(ctx, audit.Lifecycle(audit.LogPermissions, audit.EventDeleted, audit.PermissionRef(p.ID, p.Name)))
	})
}
