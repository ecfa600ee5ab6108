package orgs

import (
	"io"
	"time"
)

// Organization is the legal entity the installation belongs to.
type Organization struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	RIF        string     `json:"rif"`
	Logo       *string    `json:"logo,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Active reports whether this is the current organization.
func (o *Organization) Active() bool { return o.DisabledAt == nil }

// AuditAttributes is the attribute snapshot recorded in the activity log.
func (o *Organization) AuditAttributes() map[string]interface{} {
	return map[string]interface{}{
		"name":        o.Name,
		"rif":         o.RIF,
		"logo":        o.Logo,
		"disabled_at": o.DisabledAt,
	}
}

// Unit is one node of an organization's unit tree.
type Unit struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	ParentID       *int64    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	Code           string    `json:"code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuditAttributes is the attribute snapshot recorded in the activity log.
func (u *Unit) AuditAttributes() map[string]interface{} {
	return map[string]interface{}{
		"name":            u.Name,
		"code":            u.Code,
		"parent_id":       u.ParentID,
		"organization_id": u.OrganizationID,
	}
}

// Membership attaches a principal to a unit.
type Membership struct {
	UnitID     int64      `json:"organizational_unit_id"`
	UserID     int64      `json:"user_id"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Active reports whether the principal may act within the unit.
func (m *Membership) Active() bool { return m.DisabledAt == nil }

// Upload is a logo file supplied by the caller.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// CreateOrganizationInput describes a new organization.
type CreateOrganizationInput struct {
	Name string  `json:"name"`
	RIF  string  `json:"rif"`
	Logo *Upload `json:"-"`
}

// UpdateOrganizationInput changes the fields that are set.
type UpdateOrganizationInput struct {
	Name *string `json:"name,omitempty"`
	RIF  *string `json:"rif,omitempty"`
	Logo *Upload `json:"-"`
}

// UnitInput creates or edits a unit. OrganizationID defaults to the active organization.
type UnitInput struct {
	OrganizationID int64  `json:"organization_id,omitempty"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	Name           string `json:"name"`
	Code           string `json:"code,omitempty"`
}
