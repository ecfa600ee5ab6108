package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/orgs"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/roles"
	"github.com/platinummonkey/bastion/pkg/schema"
	"github.com/platinummonkey/bastion/pkg/schema/schematest"
	"github.com/platinummonkey/bastion/pkg/users"
)

func testApp(t *testing.T, limiter middleware.Limiter) (*app, int64) {
	t.Helper()
	db := schematest.NewDB(t)
	ctx := context.Background()

	graph := rbac.NewStore(db)
	require.NoError(t, graph.CreateRole(ctx, &rbac.Role{Name: rbac.RootRoleName}))
	var rootID int64
	require.NoError(t, db.QueryRow(`
		INSERT INTO users (name, email, password_hash, created_at, updated_at)
		VALUES ('Root', 'root@example.com', 'x', $1, $1) RETURNING id
	`, time.Now().UTC()).Scan(&rootID))
	_, err := graph.AssignRole(ctx, rootID, rbac.RootRoleID)
	require.NoError(t, err)

	checker := rbac.NewPermissionChecker(graph, nil)
	evaluator := policy.NewEvaluator(checker, nil, nil)
	writer := audit.NewWriter(db, nil, nil)
	dir := directory.NewMemoryDirectory()

	return &app{
		db:        db,
		logger:    observability.NopLogger(),
		evaluator: evaluator,
		auditLog:  audit.NewDBStore(db, schema.SQLite, audit.DefaultPageConfig(), nil),
		notes:     notify.NewStore(db),
		directory: dir,
		users: users.NewService(users.Deps{
			DB: db, Audit: writer, Evaluator: evaluator, Checker: checker, Directory: dir,
		}),
		roles:   roles.NewService(roles.Deps{DB: db, Audit: writer, Authorizer: evaluator, Checker: checker}),
		orgs:    orgs.NewService(orgs.Deps{DB: db, Audit: writer, Authorizer: evaluator, Holders: checker}),
		limiter: limiter,
	}, rootID
}

func TestRouter(t *testing.T) {
	a, rootID := testApp(t, nil)
	router := newRouter(a)

	get := func(path, actor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if actor != "" {
			req.Header.Set(middleware.DefaultActorHeader, actor)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}
	root := strconv.FormatInt(rootID, 10)

	assert.Equal(t, http.StatusOK, get("/healthz", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/api/users", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/api/users", "999").Code)

	rec := get("/api/users", root)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, get("/api/roles", root).Code)
	assert.Equal(t, http.StatusOK, get("/api/activity-logs", root).Code)
	assert.Equal(t, http.StatusOK, get("/api/policy/me", root).Code)
	assert.Equal(t, http.StatusOK, get("/api/notifications", root).Code)
	assert.Equal(t, http.StatusOK, get("/api/organizations", root).Code)

	// public routes need no actor
	assert.Equal(t, http.StatusBadRequest, get("/api/employees", "").Code)
}

func TestRouter_RateLimitsPublicRoutes(t *testing.T) {
	limiter := middleware.NewMemoryLimiter(middleware.RateLimitConfig{RequestsPerWindow: 1, Window: time.Hour, Burst: 1})
	a, _ := testApp(t, limiter)
	router := newRouter(a)

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/employees?id_card=V1", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}
