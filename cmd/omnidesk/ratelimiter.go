package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/httputil"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per client IP token bucket. Buckets idle for longer than
// the idle window are dropped on the next sweep.
type RateLimiter struct {
	perMinute int
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// NewRateLimiter allows perMinute requests per IP with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute, burst int, idle time.Duration) *RateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		limit:     limit,
		burst:     burst,
		idle:      idle,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
	}
}

// Allow consumes one token for ip.
func (rl *RateLimiter) Allow(ip string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.idle > 0 && now.Sub(rl.lastSweep) >= rl.idle {
		rl.sweepLocked(now)
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) sweepLocked(now time.Time) {
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.idle {
			delete(rl.visitors, ip)
		}
	}
	rl.lastSweep = now
}

// Len returns the number of tracked IPs.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(ips *httputil.ClientIPResolver, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ips.ClientIP(r)
			if !rl.Allow(ip) {
				logger.WithFields(logrus.Fields{
					"client_ip": ip,
					"path":      r.URL.Path,
				}).Warn("Rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
				httputil.WriteError(w, r, apperrors.NewRateLimitError(rl.perMinute, "1m"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.perMinute <= 0 {
		return 1
	}
	secs := 60 / rl.perMinute
	if secs < 1 {
		return 1
	}
	return secs
}
