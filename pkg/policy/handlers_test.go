package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/rbac"
)

func withActor(r *http.Request, id int64) *http.Request {
	return r.WithContext(contextkeys.WithActor(r.Context(), contextkeys.Actor{ID: id}))
}

func TestRequirePermission(t *testing.T) {
	f := setupFixture(t)
	admin := f.user(t, "admin@example.com", rbac.PermDeleteRoles)
	nobody := f.user(t, "nobody@example.com")

	handler := f.evaluator.RequirePermission(rbac.PermDeleteRoles)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("no actor", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/roles/2", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("denied", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodDelete, "/roles/2", nil), nobody))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var body httputil.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.Error, rbac.PermDeleteRoles)
	})

	t.Run("allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withActor(httptest.NewRequest(http.MethodDelete, "/roles/2", nil), admin))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestHandlers_Evaluate(t *testing.T) {
	f := setupFixture(t)
	f.user(t, "creator@example.com", rbac.PermCreateUsers)
	admin := f.user(t, "admin@example.com", rbac.PermDeleteUsers)

	router := mux.NewRouter()
	NewHandlers(f.evaluator).RegisterRoutes(router)

	post := func(actor int64, body interface{}) *httptest.ResponseRecorder {
		data, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/policy/evaluate", bytes.NewReader(data))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, withActor(req, actor))
		return rec
	}

	rec := post(admin, map[string]interface{}{"action": "delete", "target_id": admin})
	require.Equal(t, http.StatusOK, rec.Code)
	var d struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "deny", d.Outcome)
	assert.Equal(t, ReasonSelfAction, d.Reason)

	rec = post(admin, map[string]interface{}{"permission": rbac.PermDeleteUsers})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "allow", d.Outcome)

	rec = post(admin, map[string]interface{}{"action": "promote", "target_id": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = post(admin, map[string]interface{}{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlers_Me(t *testing.T) {
	f := setupFixture(t)
	admin := f.user(t, "admin@example.com", rbac.PermDeleteUsers, rbac.PermUpdateUsers)

	router := mux.NewRouter()
	NewHandlers(f.evaluator).RegisterRoutes(router)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/policy/me", nil)
	router.ServeHTTP(rec, withActor(req.WithContext(context.Background()), admin))
	require.Equal(t, http.StatusOK, rec.Code)

	var body permissionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{rbac.PermDeleteUsers, rbac.PermUpdateUsers}, body.Permissions)
	assert.False(t, body.Root)
}
