package audit

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "10.0.0.1:5555", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.1:5555", "198.51.100.4"},
		{"peer address", nil, "192.0.2.9:41000", "192.0.2.9"},
		{"peer without port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestPreferredLanguage(t *testing.T) {
	assert.Equal(t, "es-VE", preferredLanguage("es-VE,es;q=0.9,en;q=0.8"))
	assert.Equal(t, "en", preferredLanguage("fr;q=0.2, en"))
	assert.Equal(t, "", preferredLanguage(""))
}

func TestRequestContextMiddleware(t *testing.T) {
	var captured *RequestInfo
	handler := RequestContextMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestInfoFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "https://admin.example.com/users/4?tab=roles", nil)
	r.TLS = &tls.ConnectionState{}
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("Accept-Language", "es")
	r.Header.Set("Referer", "https://admin.example.com/users")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.NotNil(t, captured)
	assert.Equal(t, RequestInfo{
		IP:            "192.0.2.1",
		UserAgent:     "Mozilla/5.0",
		UserAgentLang: "es",
		Referer:       "https://admin.example.com/users",
		Method:        http.MethodPost,
		URL:           "https://admin.example.com/users/4?tab=roles",
	}, *captured)
}

func TestRequestInfoFromContext_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, RequestInfoFromContext(r.Context()))
}
