package rbac

import (
	"sort"
	"time"
)

// RootRoleID identifies the superuser role. It can be neither modified nor deleted.
const RootRoleID int64 = 1

// RootRoleName is the display name the root role is seeded with.
const RootRoleName = "Superusuario"

// DefaultGuard is the guard name assigned when none is given.
const DefaultGuard = "web"

// Permission names checked by bastion services.
const (
	PermReadUsers        = "read users"
	PermCreateUsers      = "create users"
	PermUpdateUsers      = "update users"
	PermDeleteUsers      = "delete users"
	PermDisableUsers     = "disable users"
	PermEnableUsers      = "enable users"
	PermRestoreUsers     = "restore users"
	PermForceDeleteUsers = "force delete users"

	PermReadRoles   = "read roles"
	PermCreateRoles = "create roles"
	PermUpdateRoles = "update roles"
	PermDeleteRoles = "delete roles"

	PermReadPermissions   = "read permissions"
	PermCreatePermissions = "create permissions"
	PermUpdatePermissions = "update permissions"
	PermDeletePermissions = "delete permissions"

	PermReadActivityLogs   = "read activity logs"
	PermExportActivityLogs = "export activity logs"

	PermReadOrganizations   = "read organizations"
	PermCreateOrganizations = "create organizations"
	PermUpdateOrganizations = "update organizations"
	PermDeleteOrganizations = "delete organizations"

	PermCreateUnits = "create organizational units"
	PermUpdateUnits = "update organizational units"
	PermDeleteUnits = "delete organizational units"
)

// Permission is a named capability.
type Permission struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	GuardName   string    `json:"guard_name"`
	SetMenu     bool      `json:"set_menu"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditAttributes is the attribute snapshot recorded in the activity log.
func (p *Permission) AuditAttributes() map[string]interface{} {
	return map[string]interface{}{
		"name":        p.Name,
		"description": p.Description,
		"guard_name":  p.GuardName,
		"set_menu":    p.SetMenu,
	}
}

// Role is a named bundle of permissions.
type Role struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	GuardName   string       `json:"guard_name"`
	Permissions []Permission `json:"permissions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsRoot reports whether r is the immutable superuser role.
func (r *Role) IsRoot() bool {
	return r.ID == RootRoleID
}

func (r *Role) AuditAttributes() map[string]interface{} {
	return map[string]interface{}{
		"name":        r.Name,
		"description": r.Description,
		"guard_name":  r.GuardName,
	}
}

// PermissionSet is the resolved view of everything a principal may do.
// Granted holds the names reachable through direct grants and assigned roles.
type PermissionSet struct {
	UserID  int64           `json:"user_id"`
	Root    bool            `json:"root"`
	RoleIDs []int64         `json:"role_ids"`
	Granted map[string]bool `json:"granted"`
}

// Grants reports a direct or role-derived grant of name. It ignores the root override.
func (s *PermissionSet) Grants(name string) bool {
	if s == nil {
		return false
	}
	return s.Granted[name]
}

// Allows is Grants plus the root override.
func (s *PermissionSet) Allows(name string) bool {
	if s == nil {
		return false
	}
	return s.Root || s.Granted[name]
}

// Names returns the granted permission names, sorted.
func (s *PermissionSet) Names() []string {
	names := make([]string, 0, len(s.Granted))
	for n, ok := range s.Granted {
		if ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// SyncResult reports the edges a sync added and removed.
type SyncResult struct {
	Attached []int64 `json:"attached"`
	Detached []int64 `json:"detached"`
}

func (r SyncResult) Changed() bool {
	return len(r.Attached) > 0 || len(r.Detached) > 0
}

// DiffIDs computes which ids of want are missing from have and which ids of have are not wanted.
// Both outputs are sorted; duplicates in want are ignored.
func DiffIDs(have, want []int64) SyncResult {
	haveSet := make(map[int64]bool, len(have))
	for _, id := range have {
		haveSet[id] = true
	}
	wantSet := make(map[int64]bool, len(want))
	var res SyncResult
	for _, id := range want {
		if wantSet[id] {
			continue
		}
		wantSet[id] = true
		if !haveSet[id] {
			res.Attached = append(res.Attached, id)
		}
	}
	for _, id := range have {
		if !wantSet[id] {
			res.Detached = append(res.Detached, id)
		}
	}
	sort.Slice(res.Attached, func(i, j int) bool { return res.Attached[i] < res.Attached[j] })
	sort.Slice(res.Detached, func(i, j int) bool { return res.Detached[i] < res.Detached[j] })
	return res
}
