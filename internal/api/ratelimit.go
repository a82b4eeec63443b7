package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter enforces a fixed per-minute request budget per client.
// With Redis the counter window is shared across Hive instances; the
// local fallback keeps single-instance deployments limited when Redis
// is absent. A failed Redis check allows the request rather than
// blocking the API on the limiter.
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	logger *zap.Logger

	local sync.Map // clientID -> *rate.Limiter
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per
// client. redisClient may be nil to use in-process token buckets.
func NewRateLimiter(redisClient *redis.Client, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	return &RateLimiter{
		redis:  redisClient,
		limit:  requestsPerMinute,
		logger: logger,
	}
}

var counterScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Allow checks and consumes one request for clientID. remaining is the
// budget left in the current window.
func (rl *RateLimiter) Allow(ctx context.Context, clientID string) (allowed bool, remaining int) {
	if rl.redis == nil {
		return rl.allowLocal(clientID)
	}

	key := fmt.Sprintf("hive:ratelimit:%s:minute", clientID)
	current, err := counterScript.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return true, rl.limit
	}

	remaining = rl.limit - current
	if remaining < 0 {
		remaining = 0
	}
	return current <= rl.limit, remaining
}

func (rl *RateLimiter) allowLocal(clientID string) (bool, int) {
	limiter, _ := rl.local.LoadOrStore(clientID,
		rate.NewLimiter(rate.Limit(float64(rl.limit)/60.0), rl.limit))
	l := limiter.(*rate.Limiter)
	return l.Allow(), int(l.Tokens())
}

// Middleware applies the limiter per client IP and sets the standard
// rate limit headers.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining := rl.Allow(r.Context(), clientIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate_limit_exceeded"}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
