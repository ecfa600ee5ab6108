package users

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/schema/schematest"
)

var adminPermissions = []string{
	rbac.PermReadUsers,
	rbac.PermCreateUsers,
	rbac.PermUpdateUsers,
	rbac.PermDeleteUsers,
	rbac.PermDisableUsers,
	rbac.PermEnableUsers,
	rbac.PermRestoreUsers,
	rbac.PermForceDeleteUsers,
}

type fixture struct {
	db      *sql.DB
	graph   *rbac.Store
	service *Service
	perms   map[string]int64
	admin   *rbac.Role

	root  *User // holds the root role
	ana   *User // administrator
	bruno *User // no grants
}

func (f *fixture) ctx(u *User) context.Context {
	return contextkeys.WithActor(context.Background(), contextkeys.Actor{ID: u.ID, Name: u.Name, Email: u.Email})
}

// recorder captures dispatched notifications.
type recorder struct {
	sent []sentNotification
}

type sentNotification struct {
	userIDs []int64
	kind    string
}

func (r *recorder) Notify(_ context.Context, userID int64, e notify.Event) {
	r.sent = append(r.sent, sentNotification{userIDs: []int64{userID}, kind: e.Kind})
}

func (r *recorder) NotifyMany(_ context.Context, userIDs []int64, e notify.Event) {
	r.sent = append(r.sent, sentNotification{userIDs: userIDs, kind: e.Kind})
}

func setup(t *testing.T) (*fixture, *recorder) {
	t.Helper()
	db := schematest.NewDB(t)
	ctx := context.Background()
	graph := rbac.NewStore(db)

	require.NoError(t, graph.CreateRole(ctx, &rbac.Role{Name: rbac.RootRoleName}))
	perms := map[string]int64{}
	var ids []int64
	for _, name := range adminPermissions {
		p := &rbac.Permission{Name: name}
		require.NoError(t, graph.CreatePermission(ctx, p))
		perms[name] = p.ID
		ids = append(ids, p.ID)
	}
	admin := &rbac.Role{Name: "Administrador"}
	require.NoError(t, graph.CreateRole(ctx, admin))
	_, err := graph.SyncRolePermissions(ctx, admin.ID, ids)
	require.NoError(t, err)

	checker := rbac.NewPermissionChecker(graph, nil)
	rec := &recorder{}
	svc := NewService(Deps{
		DB:        db,
		Audit:     audit.NewWriter(db, nil, nil),
		Evaluator: policy.NewEvaluator(checker, nil, nil),
		Checker:   checker,
		Directory: directory.NewMemoryDirectory(
			directory.Employee{IDCard: "V12345678", Names: "José", Surnames: "Pérez", Position: "Analyst", Email: "jose@example.com"},
			directory.Employee{IDCard: "V87654321", Names: "María", Surnames: "Gómez"},
		),
		Notifier:   rec,
		BcryptCost: bcrypt.MinCost,
	})

	f := &fixture{db: db, graph: graph, service: svc, perms: perms, admin: admin}
	f.root = f.insertUser(t, "Root", "root@example.com", rbac.RootRoleID)
	f.ana = f.insertUser(t, "Ana", "ana@example.com", admin.ID)
	f.bruno = f.insertUser(t, "Bruno", "bruno@example.com")
	return f, rec
}

func (f *fixture) insertUser(t *testing.T, name, email string, roleIDs ...int64) *User {
	t.Helper()
	ctx := context.Background()
	u := &User{Name: name, Email: email, PasswordHash: "x", IsActive: true}
	require.NoError(t, f.service.store.Create(ctx, u))
	for _, id := range roleIDs {
		_, err := f.graph.AssignRole(ctx, u.ID, id)
		require.NoError(t, err)
	}
	return u
}

func (f *fixture) count(t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(query, args...).Scan(&n))
	return n
}
