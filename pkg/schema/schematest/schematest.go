// Package schematest opens throwaway SQLite databases carrying the full bastion schema.
package schematest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/platinummonkey/bastion/pkg/schema"
)

// NewDB returns a migrated SQLite database stored under t.TempDir.
// WAL mode lets a reader run while another connection holds a write transaction.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bastion.db")
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := schema.RunMigrations(context.Background(), db, schema.SQLite, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

// MustExec runs a fixture statement and fails the test on error.
func MustExec(t testing.TB, db *sql.DB, query string, args ...interface{}) sql.Result {
	t.Helper()
	res, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("fixture %q failed: %v", query, err)
	}
	return res
}
