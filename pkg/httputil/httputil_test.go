package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/errdefs"
	"github.com/platinummonkey/bastion/pkg/observability"
)

func TestWriteErrorFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"constraint", errdefs.Constraint("role has assigned users"), http.StatusConflict, "role has assigned users"},
		{"not found", errdefs.NotFound("user", 9), http.StatusNotFound, "user 9: not found"},
		{"internal hides details", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteErrorFor(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
		})
	}
}

func TestWriteErrorFor_ValidationDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorFor(rec, httptest.NewRequest(http.MethodPost, "/", nil), errdefs.ValidationErrors{"email": "is required"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "is required", body.Details["email"])
}

func TestParsePathInt64(t *testing.T) {
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/users/12", nil), map[string]string{"id": "12"})
	id, err := ParsePathInt64(r, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	r = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/users/x", nil), map[string]string{"id": "-1"})
	_, err = ParsePathInt64(r, "id")
	assert.Error(t, err)
}

func TestParseJSON_RejectsUnknownFields(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","admin":true}`))
	assert.Error(t, ParseJSON(r, &dest))
}

func TestParseIDList(t *testing.T) {
	ids, err := ParseIDList("1, 2,,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	_, err = ParseIDList("1,abc")
	assert.Error(t, err)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "4d3c1f0e-8a7b-4c6d-9e2f-1a2b3c4d5e6f")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "4d3c1f0e-8a7b-4c6d-9e2f-1a2b3c4d5e6f", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
