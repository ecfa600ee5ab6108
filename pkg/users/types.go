package users

import (
	"strings"
	"time"
)

// Status filters for List.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusDeleted  = "deleted"
	StatusPending  = "pending"
	StatusAll      = "all"
)

// MinPasswordLength is enforced on registration and password changes.
const MinPasswordLength = 8

// Person holds the legal identity of a principal.
type Person struct {
	ID       int64  `json:"id"`
	IDCard   string `json:"id_card"`
	Names    string `json:"names"`
	Surnames string `json:"surnames"`
	Position string `json:"position,omitempty"`
}

// FullName joins names and surnames.
func (p *Person) FullName() string {
	return strings.TrimSpace(p.Names + " " + p.Surnames)
}

// User is a principal account.
type User struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	IsActive     bool       `json:"is_active"`
	PersonID     *int64     `json:"person_id,omitempty"`
	Person       *Person    `json:"person,omitempty"`
	DisabledAt   *time.Time `json:"disabled_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (u *User) Disabled() bool { return u.DisabledAt != nil }
func (u *User) Deleted() bool  { return u.DeletedAt != nil }

// Status is the single lifecycle label shown to callers.
func (u *User) Status() string {
	switch {
	case u.Deleted():
		return StatusDeleted
	case u.Disabled():
		return StatusDisabled
	case !u.IsActive:
		return StatusPending
	default:
		return StatusActive
	}
}

// AuditAttributes is the attribute snapshot recorded in the activity log.
// The password hash is listed so changes to it are detected; the writer never
// stores it.
func (u *User) AuditAttributes() map[string]interface{} {
	return map[string]interface{}{
		"name":          u.Name,
		"email":         u.Email,
		"is_active":     u.IsActive,
		"person_id":     u.PersonID,
		"password_hash": u.PasswordHash,
	}
}

// Details is a user with its graph and unit memberships.
type Details struct {
	User
	Status        string  `json:"status"`
	RoleIDs       []int64 `json:"role_ids"`
	PermissionIDs []int64 `json:"permission_ids"`
	UnitIDs       []int64 `json:"unit_ids"`
}

// RegisterInput is a self-registration request checked against the employee directory.
type RegisterInput struct {
	IDCard   string `json:"id_card"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateInput is an administrative account creation. Without a password the
// account stays pending until verified.
type CreateInput struct {
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Password      string  `json:"password,omitempty"`
	IDCard        string  `json:"id_card,omitempty"`
	RoleIDs       []int64 `json:"roles,omitempty"`
	PermissionIDs []int64 `json:"permissions,omitempty"`
	UnitIDs       []int64 `json:"units,omitempty"`
}

// UpdateInput changes the fields that are set. A non-nil slice replaces the
// whole set, so an empty slice detaches everything.
type UpdateInput struct {
	Name          *string  `json:"name,omitempty"`
	Email         *string  `json:"email,omitempty"`
	Password      *string  `json:"password,omitempty"`
	RoleIDs       *[]int64 `json:"roles,omitempty"`
	PermissionIDs *[]int64 `json:"permissions,omitempty"`
	UnitIDs       *[]int64 `json:"units,omitempty"`
}

// ListFilter selects a page of users.
type ListFilter struct {
	Status  string
	Search  string
	Page    int
	PerPage int
}

// ListPage is one page of users.
type ListPage struct {
	Items    []User `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PerPage  int    `json:"per_page"`
	LastPage int    `json:"last_page"`
}
