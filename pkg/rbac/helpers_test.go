package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/schema/schematest"
)

func setupTestStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	db := schematest.NewDB(t)
	return db, NewStore(db)
}

func createTestUser(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	now := time.Now().UTC()
	var id int64
	err := db.QueryRow(`
		INSERT INTO users (name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, 'x', $3, $3) RETURNING id
	`, email, email, now).Scan(&id)
	require.NoError(t, err)
	return id
}

func createTestRoot(t *testing.T, store *Store) *Role {
	t.Helper()
	root := &Role{Name: RootRoleName}
	require.NoError(t, store.CreateRole(context.Background(), root))
	require.Equal(t, RootRoleID, root.ID)
	return root
}

func createTestPermission(t *testing.T, store *Store, name string) *Permission {
	t.Helper()
	p := &Permission{Name: name}
	require.NoError(t, store.CreatePermission(context.Background(), p))
	return p
}
