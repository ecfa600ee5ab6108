package orgs

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists organizations, units and unit memberships.
type Store struct {
	db  DBTX
	now func() time.Time
}

// NewStore creates a new organization store
func NewStore(db DBTX) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx, now: s.now}
}

// Organizations

const organizationColumns = "id, name, rif, logo, disabled_at, created_at, updated_at"

func scanOrganization(row interface{ Scan(...interface{}) error }) (*Organization, error) {
	var o Organization
	var logo sql.NullString
	var disabledAt sql.NullTime
	if err := row.Scan(&o.ID, &o.Name, &o.RIF, &logo, &disabledAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if logo.Valid {
		o.Logo = &logo.String
	}
	if disabledAt.Valid {
		t := disabledAt.Time.UTC()
		o.DisabledAt = &t
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// CreateOrganization inserts o as the active organization. Callers disable
// the previous one first in the same transaction.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (name, rif, logo, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, o.Name, o.RIF, o.Logo, now).Scan(&o.ID)
	if err != nil {
		return errdefs.Storage("failed to create organization", err)
	}
	o.DisabledAt = nil
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// GetOrganization retrieves an organization by ID
func (s *Store) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("organization", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get organization", err)
	}
	return o, nil
}

// ActiveOrganization returns the active organization, or nil when there is none.
func (s *Store) ActiveOrganization(ctx context.Context) (*Organization, error) {
	o, err := scanOrganization(s.db.QueryRowContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations WHERE disabled_at IS NULL"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get active organization", err)
	}
	return o, nil
}

// ListOrganizations returns every organization, newest first.
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, errdefs.Storage("failed to list organizations", err)
	}
	defer rows.Close()

	out := []Organization{}
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan organization", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DisableActive disables every active organization except keep and returns
// the rows it changed.
func (s *Store) DisableActive(ctx context.Context, keep int64) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+organizationColumns+" FROM organizations WHERE disabled_at IS NULL AND id <> $1", keep)
	if err != nil {
		return nil, errdefs.Storage("failed to find active organizations", err)
	}
	var active []Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			rows.Close()
			return nil, errdefs.Storage("failed to scan organization", err)
		}
		active = append(active, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errdefs.Storage("failed to find active organizations", err)
	}

	now := s.now()
	for i := range active {
		if _, err := s.db.ExecContext(ctx,
			"UPDATE organizations SET disabled_at = $1, updated_at = $1 WHERE id = $2", now, active[i].ID); err != nil {
			return nil, errdefs.Storage("failed to disable organization", err)
		}
		active[i].DisabledAt = &now
		active[i].UpdatedAt = now
	}
	return active, nil
}

// SetOrganizationDisabled sets or clears disabled_at.
func (s *Store) SetOrganizationDisabled(ctx context.Context, id int64, disabled bool) error {
	var at interface{}
	if disabled {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET disabled_at = $1, updated_at = $2 WHERE id = $3", at, s.now(), id)
	if err != nil {
		return errdefs.Storage("failed to change organization status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("organization", id)
	}
	return nil
}

// UpdateOrganization saves the name, rif and logo of o.
func (s *Store) UpdateOrganization(ctx context.Context, o *Organization) error {
	o.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE organizations SET name = $1, rif = $2, logo = $3, updated_at = $4 WHERE id = $5",
		o.Name, o.RIF, o.Logo, o.UpdatedAt, o.ID)
	if err != nil {
		return errdefs.Storage("failed to update organization", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("organization", o.ID)
	}
	return nil
}

// DeleteOrganization removes an inactive organization without units.
func (s *Store) DeleteOrganization(ctx context.Context, id int64) error {
	o, err := s.GetOrganization(ctx, id)
	if err != nil {
		return err
	}
	if o.Active() {
		return errdefs.Constraint("organization %q is the active organization", o.Name)
	}
	var units int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM organizational_units WHERE organization_id = $1", id).Scan(&units); err != nil {
		return errdefs.Storage("failed to count organization units", err)
	}
	if units > 0 {
		return errdefs.Constraint("organization %q still has %d organizational units", o.Name, units)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM organizations WHERE id = $1", id); err != nil {
		return errdefs.Storage("failed to delete organization", err)
	}
	return nil
}

// Units

const unitColumns = "id, organization_id, parent_id, name, code, created_at, updated_at"

func scanUnit(row interface{ Scan(...interface{}) error }) (*Unit, error) {
	var u Unit
	var parent sql.NullInt64
	var code sql.NullString
	if err := row.Scan(&u.ID, &u.OrganizationID, &parent, &u.Name, &code, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		u.ParentID = &parent.Int64
	}
	u.Code = code.String
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// CreateUnit inserts u and fills in its id.
func (s *Store) CreateUnit(ctx context.Context, u *Unit) error {
	u.Name = strings.TrimSpace(u.Name)
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizational_units (organization_id, parent_id, name, code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, u.OrganizationID, u.ParentID, u.Name, nullableString(u.Code), now).Scan(&u.ID)
	if err != nil {
		return errdefs.Storage("failed to create organizational unit", err)
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// GetUnit retrieves a unit by ID
func (s *Store) GetUnit(ctx context.Context, id int64) (*Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx,
		"SELECT "+unitColumns+" FROM organizational_units WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("organizational unit", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get organizational unit", err)
	}
	return u, nil
}

// ListUnits returns every unit of an organization.
func (s *Store) ListUnits(ctx context.Context, organizationID int64) ([]Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+unitColumns+" FROM organizational_units WHERE organization_id = $1 ORDER BY id", organizationID)
	if err != nil {
		return nil, errdefs.Storage("failed to list organizational units", err)
	}
	defer rows.Close()

	out := []Unit{}
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, errdefs.Storage("failed to scan organizational unit", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UpdateUnit saves the parent, name and code of u.
func (s *Store) UpdateUnit(ctx context.Context, u *Unit) error {
	u.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE organizational_units SET parent_id = $1, name = $2, code = $3, updated_at = $4 WHERE id = $5",
		u.ParentID, u.Name, nullableString(u.Code), u.UpdatedAt, u.ID)
	if err != nil {
		return errdefs.Storage("failed to update organizational unit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("organizational unit", u.ID)
	}
	return nil
}

// UnitUsage counts the child units and members of a unit.
func (s *Store) UnitUsage(ctx context.Context, id int64) (children, members int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM organizational_units WHERE parent_id = $1),
			(SELECT COUNT(*) FROM organizational_unit_user WHERE organizational_unit_id = $1)
	`, id).Scan(&children, &members)
	if err != nil {
		return 0, 0, errdefs.Storage("failed to count organizational unit usage", err)
	}
	return children, members, nil
}

// DeleteUnit removes a unit that has neither children nor members.
func (s *Store) DeleteUnit(ctx context.Context, id int64) error {
	u, err := s.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	children, members, err := s.UnitUsage(ctx, id)
	if err != nil {
		return err
	}
	if children > 0 || members > 0 {
		return errdefs.Constraint("organizational unit %q still has %d child units and %d members", u.Name, children, members)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM organizational_units WHERE id = $1", id); err != nil {
		return errdefs.Storage("failed to delete organizational unit", err)
	}
	return nil
}

// Memberships

// UserUnitIDs returns the units a principal is attached to.
func (s *Store) UserUnitIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT organizational_unit_id FROM organizational_unit_user WHERE user_id = $1 ORDER BY organizational_unit_id", userID)
	if err != nil {
		return nil, errdefs.Storage("failed to list unit memberships", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errdefs.Storage("failed to scan unit membership", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SyncUserUnits makes the principal's memberships exactly unitIDs. Kept
// memberships keep their disabled_at.
func (s *Store) SyncUserUnits(ctx context.Context, userID int64, unitIDs []int64) (rbac.SyncResult, error) {
	for _, id := range unitIDs {
		if _, err := s.GetUnit(ctx, id); errors.Is(err, errdefs.ErrNotFound) {
			return rbac.SyncResult{}, errdefs.ValidationErrors{"units": "unknown organizational unit"}
		} else if err != nil {
			return rbac.SyncResult{}, err
		}
	}
	have, err := s.UserUnitIDs(ctx, userID)
	if err != nil {
		return rbac.SyncResult{}, err
	}
	diff := rbac.DiffIDs(have, unitIDs)
	for _, id := range diff.Detached {
		if _, err := s.RemoveMember(ctx, id, userID); err != nil {
			return rbac.SyncResult{}, err
		}
	}
	for _, id := range diff.Attached {
		if _, err := s.AddMember(ctx, id, userID); err != nil {
			return rbac.SyncResult{}, err
		}
	}
	return diff, nil
}

// AddMember attaches a principal to a unit. It reports whether state changed.
func (s *Store) AddMember(ctx context.Context, unitID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO organizational_unit_user (organizational_unit_id, user_id, created_at)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING
	`, unitID, userID, s.now())
	if err != nil {
		return false, errdefs.Storage("failed to add unit member", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveMember detaches a principal from a unit. It reports whether state changed.
func (s *Store) RemoveMember(ctx context.Context, unitID, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM organizational_unit_user WHERE organizational_unit_id = $1 AND user_id = $2", unitID, userID)
	if err != nil {
		return false, errdefs.Storage("failed to remove unit member", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetMemberDisabled suspends or reinstates one membership. It reports whether state changed.
func (s *Store) SetMemberDisabled(ctx context.Context, unitID, userID int64, disabled bool) (bool, error) {
	query := "UPDATE organizational_unit_user SET disabled_at = $1 WHERE organizational_unit_id = $2 AND user_id = $3 AND disabled_at IS NULL"
	args := []interface{}{s.now(), unitID, userID}
	if !disabled {
		query = "UPDATE organizational_unit_user SET disabled_at = NULL WHERE organizational_unit_id = $1 AND user_id = $2 AND disabled_at IS NOT NULL"
		args = args[1:]
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errdefs.Storage("failed to change unit membership", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetMembership(ctx, unitID, userID); err != nil {
		return false, err
	}
	return false, nil
}

// GetMembership returns one membership.
func (s *Store) GetMembership(ctx context.Context, unitID, userID int64) (*Membership, error) {
	m := Membership{UnitID: unitID, UserID: userID}
	var disabledAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		"SELECT disabled_at, created_at FROM organizational_unit_user WHERE organizational_unit_id = $1 AND user_id = $2",
		unitID, userID).Scan(&disabledAt, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("unit membership", userID)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get unit membership", err)
	}
	if disabledAt.Valid {
		t := disabledAt.Time.UTC()
		m.DisabledAt = &t
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// Members lists the memberships of a unit.
func (s *Store) Members(ctx context.Context, unitID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, disabled_at, created_at FROM organizational_unit_user WHERE organizational_unit_id = $1 ORDER BY user_id", unitID)
	if err != nil {
		return nil, errdefs.Storage("failed to list unit members", err)
	}
	defer rows.Close()

	out := []Membership{}
	for rows.Next() {
		m := Membership{UnitID: unitID}
		var disabledAt sql.NullTime
		if err := rows.Scan(&m.UserID, &disabledAt, &m.CreatedAt); err != nil {
			return nil, errdefs.Storage("failed to scan unit member", err)
		}
		if disabledAt.Valid {
			t := disabledAt.Time.UTC()
			m.DisabledAt = &t
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
