package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	retryAfterSeconds = 10
	limiterTTL        = 10 * time.Minute
	cleanupInterval   = time.Minute
)

// RateLimitConfig sets the per-client token buckets. The auth bucket covers
// /api/auth/google and its callback; the API bucket covers the other /api/
// routes except /api/health and is off when APIBurst is zero.
type RateLimitConfig struct {
	Enabled       bool
	AuthBurst     int
	AuthPerMinute float64
	APIBurst      int
	APIPerMinute  float64
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter keeps one token bucket per client address. Idle buckets are
// dropped lazily from the request path.
type rateLimiter struct {
	burst     int
	perMinute float64
	clock     clock

	mu          sync.Mutex
	limiters    map[string]*limiterEntry
	lastCleanup time.Time
}

func newRateLimiter(burst int, perMinute float64, c clock) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		burst:       burst,
		perMinute:   perMinute,
		clock:       c,
		limiters:    make(map[string]*limiterEntry),
		lastCleanup: c.Now(),
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	if now.Sub(rl.lastCleanup) >= cleanupInterval {
		rl.cleanup(now)
	}
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.perMinute/60), rl.burst),
		}
		rl.limiters[key] = entry
	}
	entry.lastAccess = now
	rl.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) cleanup(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(rl.limiters, key)
		}
	}
	rl.lastCleanup = now
}

func (a *api) rateLimitMiddleware(next http.Handler) http.Handler {
	auth := newRateLimiter(a.RateLimit.AuthBurst, a.RateLimit.AuthPerMinute, a.clock)
	var apiLimiter *rateLimiter
	if a.RateLimit.APIBurst > 0 {
		apiLimiter = newRateLimiter(a.RateLimit.APIBurst, a.RateLimit.APIPerMinute, a.clock)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var rl *rateLimiter
		switch {
		case isAuthPath(req):
			rl = auth
		case isAPIPath(req):
			rl = apiLimiter
		}
		if rl != nil && !rl.Allow(clientIP(req, a.TrustedProxies)) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate_limited",
				"retry_after": retryAfterSeconds,
			})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func isAuthPath(req *http.Request) bool {
	return req.URL.Path == pathStart || strings.HasPrefix(req.URL.Path, pathStart+"/")
}

func isAPIPath(req *http.Request) bool {
	return strings.HasPrefix(req.URL.Path, "/api/") && req.URL.Path != "/api/health"
}
