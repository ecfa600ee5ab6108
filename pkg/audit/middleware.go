package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"golang.org/x/text/language"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
)

// WithRequestInfo stores the request snapshot entries will carry.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, contextkeys.RequestInfoKey, info)
}

// RequestInfoFromContext returns the snapshot stored by RequestContextMiddleware,
// or nil outside an HTTP request.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	info, ok := ctx.Value(contextkeys.RequestInfoKey).(RequestInfo)
	if !ok {
		return nil
	}
	return &info
}

// RequestContextMiddleware captures the provenance of each request for the activity log.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithRequestInfo(r.Context(), NewRequestInfo(r))))
	})
}

// NewRequestInfo snapshots r.
func NewRequestInfo(r *http.Request) RequestInfo {
	return RequestInfo{
		IP:            clientIP(r),
		UserAgent:     r.UserAgent(),
		UserAgentLang: preferredLanguage(r.Header.Get("Accept-Language")),
		Referer:       r.Referer(),
		Method:        r.Method,
		URL:           requestURL(r),
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func preferredLanguage(header string) string {
	if header == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	return tags[0].String()
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
