// Package middleware provides shared HTTP middleware utilities.
package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter applies a fixed-window rate limit backed by Redis.
type RateLimiter struct {
	cache  *redis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(cache *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		cache:  cache,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) key(r *http.Request) string {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		return fmt.Sprintf("iouchain:ratelimit:%s:%s", ip, id)
	}
	return "iouchain:ratelimit:" + ip
}

// Limit enforces the rate limit, keyed by client IP and, when available, the
// caller's ledger identity. The counter and its expiry are set in one
// round trip so a crash between them cannot leave a key without a TTL.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.key(r)

		var incr *redis.IntCmd
		var ttl *redis.DurationCmd
		_, err := rl.cache.TxPipelined(r.Context(), func(p redis.Pipeliner) error {
			incr = p.Incr(r.Context(), key)
			p.ExpireNX(r.Context(), key, rl.window)
			ttl = p.PTTL(r.Context(), key)
			return nil
		})
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "Rate limiter unavailable")
			return
		}

		count := incr.Val()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		if count > int64(rl.limit) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			if d := ttl.Val(); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
			}
			jsonError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(rl.limit)-count, 10))

		next.ServeHTTP(w, r)
	})
}
