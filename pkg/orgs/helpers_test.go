package orgs

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/schema/schematest"
	"github.com/platinummonkey/bastion/pkg/storage"
)

// permissive allows every permission except those listed in deny.
type permissive struct{ deny map[string]bool }

func (p permissive) AuthorizePermission(_ context.Context, _ int64, permission string) error {
	if p.deny[permission] {
		return errdefs.ErrForbidden
	}
	return nil
}

// memFiles is an in-memory storage.FileStore that remembers deletions.
type memFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newMemFiles() *memFiles { return &memFiles{objects: map[string][]byte{}} }

func (m *memFiles) Put(_ context.Context, key string, r io.Reader, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memFiles) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memFiles) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	if _, ok := m.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *memFiles) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type fixture struct {
	db      *sql.DB
	service *Service
	files   *memFiles
	ctx     context.Context
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	db := schematest.NewDB(t)
	files := newMemFiles()
	svc := NewService(Deps{
		DB:         db,
		Audit:      audit.NewWriter(db, nil, nil),
		Authorizer: permissive{},
		Files:      files,
	})
	ctx := contextkeys.WithActor(context.Background(), contextkeys.Actor{ID: 1, Name: "Ana", Email: "ana@example.com"})
	return &fixture{db: db, service: svc, files: files, ctx: ctx}
}

func png(name string) *Upload {
	return &Upload{Filename: name, ContentType: "image/png", Body: bytes.NewReader([]byte("\x89PNG"))}
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
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

func ptr[T any](v T) *T { return &v }
