package roles

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/rbac"
)

func TestHandlers_Roles(t *testing.T) {
	f := setup(t)
	router := mux.NewRouter()
	NewHandlers(f.service).RegisterRoutes(router)

	body := fmt.Sprintf(`{"name":"Auditor","permissions":[%d]}`, f.perms[rbac.PermReadRoles])
	req := httptest.NewRequest(http.MethodPost, "/roles", strings.NewReader(body)).WithContext(f.as(f.manager))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var role rbac.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &role))
	assert.Equal(t, "Auditor", role.Name)
	require.Len(t, role.Permissions, 1)

	req = httptest.NewRequest(http.MethodGet, "/roles", nil).WithContext(f.as(f.manager))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var roles []rbac.Role
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &roles))
	assert.Len(t, roles, 3)

	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/roles/%d", rbac.RootRoleID), nil).WithContext(f.as(f.manager))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/permissions", nil).WithContext(f.as(f.guest))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/permissions", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
