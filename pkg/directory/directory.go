// Package directory looks up employees in the external staff directory.
// Self-registration is only open to people the directory knows about.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/bastion/pkg/errdefs"
)

// Employee is one directory record.
type Employee struct {
	IDCard   string `json:"id_card"`
	Names    string `json:"names"`
	Surnames string `json:"surnames"`
	Position string `json:"position,omitempty"`
	Email    string `json:"email,omitempty"`
}

// FullName joins names and surnames.
func (e *Employee) FullName() string {
	return strings.TrimSpace(e.Names + " " + e.Surnames)
}

// Directory resolves employees by identity card number.
// Absence is not an error: Find returns nil, nil and FindByPartialIDCard an empty slice.
type Directory interface {
	Find(ctx context.Context, idCard string) (*Employee, error)
	FindByPartialIDCard(ctx context.Context, prefix string) ([]Employee, error)
}

// MaxMatches bounds FindByPartialIDCard results.
const MaxMatches = 10

// NormalizeIDCard strips separators and upper-cases the nationality letter,
// so "v-12.345.678" and "V12345678" match.
func NormalizeIDCard(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", ".", "", " ", "").Replace(strings.TrimSpace(s)))
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLDirectory reads employees from a table with columns
// id_card, names, surnames, position, email.
type SQLDirectory struct {
	db    *sql.DB
	table string
}

// NewSQLDirectory creates a directory over table in db.
func NewSQLDirectory(db *sql.DB, table string) (*SQLDirectory, error) {
	if table == "" {
		table = "employees"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid directory table name %q", table)
	}
	return &SQLDirectory{db: db, table: table}, nil
}

// Find returns the employee holding idCard, or nil when there is none.
func (d *SQLDirectory) Find(ctx context.Context, idCard string) (*Employee, error) {
	idCard = NormalizeIDCard(idCard)
	if idCard == "" {
		return nil, nil
	}

	var e Employee
	var position, email sql.NullString
	err := d.db.QueryRowContext(ctx,
		"SELECT id_card, names, surnames, position, email FROM "+d.table+" WHERE id_card = $1", idCard,
	).Scan(&e.IDCard, &e.Names, &e.Surnames, &position, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Storage("failed to look up employee", err)
	}
	e.Position = position.String
	e.Email = email.String
	return &e, nil
}

// FindByPartialIDCard returns up to MaxMatches employees whose card starts with prefix.
func (d *SQLDirectory) FindByPartialIDCard(ctx context.Context, prefix string) ([]Employee, error) {
	prefix = NormalizeIDCard(prefix)
	out := []Employee{}
	if prefix == "" {
		return out, nil
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := d.db.QueryContext(ctx,
		"SELECT id_card, names, surnames, position, email FROM "+d.table+
			` WHERE id_card LIKE $1 ESCAPE '\' ORDER BY id_card LIMIT $2`,
		escaped+"%", MaxMatches)
	if err != nil {
		return nil, errdefs.Storage("failed to search employees", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Employee
		var position, email sql.NullString
		if err := rows.Scan(&e.IDCard, &e.Names, &e.Surnames, &position, &email); err != nil {
			return nil, errdefs.Storage("failed to scan employee", err)
		}
		e.Position = position.String
		e.Email = email.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryDirectory is an in-process Directory, used in tests and local development.
type MemoryDirectory struct {
	mu        sync.RWMutex
	employees map[string]Employee
}

// NewMemoryDirectory creates a directory holding employees.
func NewMemoryDirectory(employees ...Employee) *MemoryDirectory {
	d := &MemoryDirectory{employees: map[string]Employee{}}
	for _, e := range employees {
		d.Add(e)
	}
	return d
}

// Add inserts or replaces an employee.
func (d *MemoryDirectory) Add(e Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.IDCard = NormalizeIDCard(e.IDCard)
	d.employees[e.IDCard] = e
}

func (d *MemoryDirectory) Find(_ context.Context, idCard string) (*Employee, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.employees[NormalizeIDCard(idCard)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (d *MemoryDirectory) FindByPartialIDCard(_ context.Context, prefix string) ([]Employee, error) {
	prefix = NormalizeIDCard(prefix)
	out := []Employee{}
	if prefix == "" {
		return out, nil
	}

	d.mu.RLock()
	for card, e := range d.employees {
		if strings.HasPrefix(card, prefix) {
			out = append(out, e)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IDCard < out[j].IDCard })
	if len(out) > MaxMatches {
		out = out[:MaxMatches]
	}
	return out, nil
}
