package orgs

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(f *fixture) *mux.Router {
	router := mux.NewRouter()
	NewHandlers(f.service).RegisterRoutes(router)
	return router
}

func TestHandlers_CreateOrganizationMultipart(t *testing.T) {
	f := setupService(t)
	router := newRouter(f)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("name", "Alcaldía"))
	require.NoError(t, mw.WriteField("rif", "J-0"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="logo"; filename="escudo.PNG"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/organizations", &body).WithContext(f.ctx)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var org Organization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	require.NotNil(t, org.Logo)
	assert.True(t, strings.HasPrefix(*org.Logo, "logos/"))
	assert.True(t, strings.HasSuffix(*org.Logo, ".png"))
	assert.True(t, f.files.has(*org.Logo))
}

func TestHandlers_Units(t *testing.T) {
	f := setupService(t)
	router := newRouter(f)
	_, err := f.service.CreateOrganization(f.ctx, 1, CreateOrganizationInput{Name: "A", RIF: "J-0"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/organizational-units", strings.NewReader(`{"name":"Administration"}`)).WithContext(f.ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/organizational-units/tree", nil).WithContext(f.ctx)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var nodes []TreeNode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "Administration", nodes[0].Name)

	req = httptest.NewRequest(http.MethodDelete, "/organizational-units/999", nil).WithContext(f.ctx)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/organizations", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
