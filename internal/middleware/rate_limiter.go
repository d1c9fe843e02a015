package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/better-wallet/dapp-provider/internal/logger"
	apperrors "github.com/better-wallet/dapp-provider/pkg/errors"
)

// visitorTTL is how long an idle origin keeps its bucket
const visitorTTL = 3 * time.Minute

// RateLimiter throttles requests per dapp origin, falling back to the
// client IP for callers that send no Origin header
type RateLimiter struct {
	visitors *ttlcache.Cache[string, *rate.Limiter]
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	enabled  bool
}

// NewRateLimiter creates a rate limiter. Call Close to stop the expiry loop.
func NewRateLimiter(rps int, burst int, enabled bool) *RateLimiter {
	visitors := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](visitorTTL),
	)
	go visitors.Start()

	return &RateLimiter{
		visitors: visitors,
		rps:      rate.Limit(rps),
		burst:    burst,
		enabled:  enabled,
	}
}

// Close stops expiring idle visitors
func (rl *RateLimiter) Close() {
	rl.visitors.Stop()
}

// limiter returns the bucket for key; a hit refreshes its TTL
func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if item := rl.visitors.Get(key); item != nil {
		return item.Value()
	}
	l := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors.Set(key, l, ttlcache.DefaultTTL)
	return l
}

func visitorKey(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return "origin:" + origin
	}
	if ip := GetClientIP(r.Context()); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + clientIP(r)
}

// Limit is the middleware that enforces rate limiting. Rejections use the
// JSON-RPC error envelope so dapps see a limit-exceeded provider error.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := visitorKey(r)
		if !rl.limiter(key).Allow() {
			logger.Warn(r.Context(), "rate limit exceeded", "visitor", key, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error":   apperrors.RateLimited(),
				"id":      nil,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
