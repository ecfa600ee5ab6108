package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/bastion/pkg/contextkeys"
	"github.com/platinummonkey/bastion/pkg/httputil"
	"github.com/platinummonkey/bastion/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the sustained rate.
	RequestsPerWindow int
	Window            time.Duration
	// Burst allows temporary bursts above the rate.
	Burst int
	// MaxKeys bounds the in-memory buckets.
	MaxKeys int
}

// DefaultRateLimitConfig returns the limits applied to anonymous clients
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 60, Window: time.Minute, Burst: 10, MaxKeys: 10000}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// MemoryLimiter keeps a token bucket per key. Idle buckets expire after two windows.
type MemoryLimiter struct {
	cfg     RateLimitConfig
	buckets *expirable.LRU[string, *rate.Limiter]
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	return &MemoryLimiter{
		cfg:     cfg,
		buckets: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, 2*cfg.Window),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	lim, ok := l.buckets.Get(key)
	if !ok {
		every := l.cfg.Window / time.Duration(l.cfg.RequestsPerWindow)
		lim = rate.NewLimiter(rate.Every(every), l.cfg.Burst)
		l.buckets.Add(key, lim)
	}

	now := time.Now()
	res := Result{Limit: l.cfg.RequestsPerWindow}
	if lim.AllowN(now, 1) {
		res.Allowed = true
	} else {
		r := lim.ReserveN(now, 1)
		res.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}
	res.Remaining = int(math.Max(0, math.Floor(lim.TokensAt(now))))
	return res, nil
}

// RateLimit rejects requests over the limiter's budget with 429. Limiter
// errors let the request through.
func RateLimit(limiter Limiter, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context(), logger).WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if !res.Allowed {
				retry := int(math.Ceil(res.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if actor, ok := contextkeys.GetActor(r.Context()); ok {
		return fmt.Sprintf("actor:%d", actor.ID)
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
