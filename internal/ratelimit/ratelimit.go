// Package ratelimit provides per-key token buckets with opportunistic
// garbage collection of idle keys. The HTTP middleware keys buckets by user or
// client IP; the relay keys them by connection ID.
//
// Buckets are process-local, matching the single-process relay.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTTL     = 10 * time.Minute
	gcEveryLookups = 5000
)

// visitor holds a single rate limiter and the last time it was seen.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Buckets is safe for concurrent use.
type Buckets struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
	now      func() time.Time
}

// New returns buckets refilling rps tokens per second up to burst.
// rps <= 0 disables limiting; burst <= 0 is coerced to 1.
func New(rps float64, burst int) *Buckets {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Buckets{
		limit:    limit,
		burst:    burst,
		visitors: make(map[string]*visitor),
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket and reports whether it was
// available.
func (b *Buckets) Allow(key string) bool {
	if b.limit == rate.Inf {
		return true
	}
	return b.get(key).Allow()
}

// Forget drops key's bucket, e.g. when a connection closes.
func (b *Buckets) Forget(key string) {
	b.mu.Lock()
	delete(b.visitors, key)
	b.mu.Unlock()
}

// Len returns the number of live buckets.
func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visitors)
}

// get returns (and touches) the limiter for key, creating it if absent.
// GC runs before the lookup so an idle bucket can be evicted even when it
// is the one being fetched.
func (b *Buckets) get(key string) *rate.Limiter {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookups++
	if b.lookups >= gcEveryLookups {
		for k, v := range b.visitors {
			if now.Sub(v.lastSeen) >= b.ttl {
				delete(b.visitors, k)
			}
		}
		b.lookups = 0
	}

	if v, ok := b.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(b.limit, b.burst)
	b.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}
