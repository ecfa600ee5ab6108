package users

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists principals and their people records.
type Store struct {
	db  DBTX
	now func() time.Time
}

// NewStore creates a new user store
func NewStore(db DBTX) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx, now: s.now}
}

const userColumns = `u.id, u.name, u.email, u.password_hash, u.is_active, u.person_id,
	u.disabled_at, u.deleted_at, u.created_at, u.updated_at,
	p.id, p.id_card, p.names, p.surnames, p.position`

const userFrom = "FROM users u LEFT JOIN people p ON p.id = u.person_id"

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var personID, pID sql.NullInt64
	var disabledAt, deletedAt sql.NullTime
	var idCard, names, surnames, position sql.NullString
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.IsActive, &personID,
		&disabledAt, &deletedAt, &u.CreatedAt, &u.UpdatedAt,
		&pID, &idCard, &names, &surnames, &position)
	if err != nil {
		return nil, err
	}
	if personID.Valid {
		u.PersonID = &personID.Int64
	}
	if pID.Valid {
		u.Person = &Person{ID: pID.Int64, IDCard: idCard.String, Names: names.String, Surnames: surnames.String, Position: position.String}
	}
	if disabledAt.Valid {
		t := disabledAt.Time.UTC()
		u.DisabledAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		u.DeletedAt = &t
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// Get returns a user by id, soft-deleted users included.
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" "+userFrom+" WHERE u.id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("user", id)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get user", err)
	}
	return u, nil
}

// GetByEmail returns a user by email, compared case-insensitively.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" "+userFrom+" WHERE LOWER(u.email) = LOWER($1)", email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound("user", email)
	}
	if err != nil {
		return nil, errdefs.Storage("failed to get user", err)
	}
	return u, nil
}

// Create inserts u and fills in its id and timestamps.
func (s *Store) Create(ctx context.Context, u *User) error {
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, is_active, person_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, u.Name, u.Email, u.PasswordHash, u.IsActive, u.PersonID, now).Scan(&u.ID)
	if err != nil {
		return errdefs.Storage("failed to create user", err)
	}
	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// Update saves the scalar fields of u.
func (s *Store) Update(ctx context.Context, u *User) error {
	u.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name = $1, email = $2, password_hash = $3, is_active = $4, person_id = $5, updated_at = $6
		WHERE id = $7
	`, u.Name, u.Email, u.PasswordHash, u.IsActive, u.PersonID, u.UpdatedAt, u.ID)
	if err != nil {
		return errdefs.Storage("failed to update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("user", u.ID)
	}
	return nil
}

// setTimestamp sets or clears disabled_at or deleted_at. It reports whether
// the row changed state.
func (s *Store) setTimestamp(ctx context.Context, column string, id int64, set bool) (bool, error) {
	now := s.now()
	query := "UPDATE users SET " + column + " = $1, updated_at = $1 WHERE id = $2 AND " + column + " IS NULL"
	args := []interface{}{now, id}
	if !set {
		query = "UPDATE users SET " + column + " = NULL, updated_at = $1 WHERE id = $2 AND " + column + " IS NOT NULL"
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errdefs.Storage("failed to change user status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetDisabled suspends or reinstates an account.
func (s *Store) SetDisabled(ctx context.Context, id int64, disabled bool) (bool, error) {
	return s.setTimestamp(ctx, "disabled_at", id, disabled)
}

// SetDeleted soft-deletes or restores an account.
func (s *Store) SetDeleted(ctx context.Context, id int64, deleted bool) (bool, error) {
	return s.setTimestamp(ctx, "deleted_at", id, deleted)
}

// Purge removes the account row. Pivots cascade; activity log entries stay.
func (s *Store) Purge(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id)
	if err != nil {
		return errdefs.Storage("failed to delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFound("user", id)
	}
	return nil
}

// EnsurePerson returns the person with p.IDCard, inserting p when absent.
func (s *Store) EnsurePerson(ctx context.Context, p *Person) error {
	err := s.db.QueryRowContext(ctx, "SELECT id FROM people WHERE id_card = $1", p.IDCard).Scan(&p.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errdefs.Storage("failed to find person", err)
	}
	now := s.now()
	var position interface{}
	if p.Position != "" {
		position = p.Position
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO people (id_card, names, surnames, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`, p.IDCard, p.Names, p.Surnames, position, now).Scan(&p.ID)
	if err != nil {
		return errdefs.Storage("failed to create person", err)
	}
	return nil
}

// PersonInUse reports whether an account other than exceptUserID is linked to personID.
func (s *Store) PersonInUse(ctx context.Context, personID, exceptUserID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE person_id = $1 AND id <> $2", personID, exceptUserID).Scan(&n)
	if err != nil {
		return false, errdefs.Storage("failed to check person", err)
	}
	return n > 0, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func listWhere(f ListFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	switch f.Status {
	case StatusDeleted:
		clauses = append(clauses, "u.deleted_at IS NOT NULL")
	case StatusDisabled:
		clauses = append(clauses, "u.deleted_at IS NULL", "u.disabled_at IS NOT NULL")
	case StatusPending:
		clauses = append(clauses, "u.deleted_at IS NULL", "u.disabled_at IS NULL", "u.is_active = $1")
		args = append(args, false)
	case StatusActive:
		clauses = append(clauses, "u.deleted_at IS NULL", "u.disabled_at IS NULL", "u.is_active = $1")
		args = append(args, true)
	case StatusAll:
	default:
		clauses = append(clauses, "u.deleted_at IS NULL")
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
		n := len(args)
		clauses = append(clauses, "(LOWER(u.name) LIKE $"+strconv.Itoa(n)+` ESCAPE '\' OR LOWER(u.email) LIKE $`+strconv.Itoa(n)+` ESCAPE '\' OR p.id_card LIKE $`+strconv.Itoa(n)+` ESCAPE '\')`)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns one page of users ordered by name.
func (s *Store) List(ctx context.Context, f ListFilter) ([]User, int, error) {
	where, args := listWhere(f)
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+userFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, errdefs.Storage("failed to count users", err)
	}

	n := len(args)
	query := "SELECT " + userColumns + " " + userFrom + where +
		" ORDER BY u.name, u.id LIMIT $" + strconv.Itoa(n+1) + " OFFSET $" + strconv.Itoa(n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.PerPage, (f.Page-1)*f.PerPage)...)
	if err != nil {
		return nil, 0, errdefs.Storage("failed to list users", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, errdefs.Storage("failed to scan user", err)
		}
		out = append(out, *u)
	}
	return out, total, rows.Err()
}

// LoadActor returns the snapshot of an account allowed to act. Disabled,
// deleted and pending accounts are rejected as unauthenticated.
func (s *Store) LoadActor(ctx context.Context, id int64) (contextkeys.Actor, error) {
	u, err := s.Get(ctx, id)
	if errors.Is(err, errdefs.ErrNotFound) {
		return contextkeys.Actor{}, errdefs.ErrUnauthenticated
	}
	if err != nil {
		return contextkeys.Actor{}, err
	}
	if u.Deleted() || u.Disabled() || !u.IsActive {
		return contextkeys.Actor{}, errdefs.ErrUnauthenticated
	}
	return contextkeys.Actor{ID: u.ID, Name: u.Name, Email: u.Email}, nil
}
