// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file adapts the shared per-key token buckets (internal/ratelimit) to
// REST traffic. Buckets are keyed by caller identity, falling back to client
// IP, and replays flagged by IdempotencyValidator skip limiting.
//
// The limiter is process-local and is edge-level abuse control, not an
// authorization mechanism.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/ratelimit"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the caller identity and falls back to the client IP.
// Keys are prefixed so the namespaces never collide ("user:abc", "ip:203.0.113.7").
func KeyByUserOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s := UserID(c); s != "" {
			return "user:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	buckets *ratelimit.Buckets
	keyFn   keyFunc
}

// NewRateLimiter constructs a limiter refilling rps tokens per second up to
// burst, keyed by keyFn. rps <= 0 disables limiting.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if keyFn == nil {
		keyFn = KeyByUserOrIP()
	}
	return &RateLimiter{buckets: ratelimit.New(rps, burst), keyFn: keyFn}
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of a completed write.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces per-key limits. Rejected requests get:
//
//	HTTP/1.1 429 Too Many Requests
//	Retry-After: 1
//	{ "request_id": "<id>", "code": "rate_limited", "message": "rate limit exceeded" }
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) || rl.buckets.Allow(rl.keyFn(c)) {
			c.Next()
			return
		}
		rateLimited.Inc()
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "rate_limited",
			"message":    "rate limit exceeded",
		})
	}
}
