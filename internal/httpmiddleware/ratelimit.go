// Package httpmiddleware holds gin middleware shared by the API's route
// groups.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter is an in-memory token bucket keyed by caller identity. The
// sync API limits registration traffic per source address and
// authenticated traffic per device, so the same limiter serves both
// through different key functions. Idle buckets are pruned so a churn
// of device ids cannot grow the map without bound.
type Limiter struct {
	capacity  float64
	perMinute float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter creates a limiter allowing bursts of capacity requests and
// a sustained perMinute rate.
func NewLimiter(capacity, perMinute int) *Limiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &Limiter{
		capacity:  float64(capacity),
		perMinute: float64(perMinute),
		buckets:   make(map[string]*bucket),
		now:       time.Now,
	}
}

// KeyFunc derives the limit key for a request.
type KeyFunc func(*gin.Context) string

// ByClientIP limits per source address; for routes a device can hit
// before it holds a token.
func (l *Limiter) ByClientIP() gin.HandlerFunc {
	return l.By(func(c *gin.Context) string { return c.ClientIP() })
}

// By returns middleware limiting on the given key. An empty key falls
// back to the client IP so requests without an identity still share a
// bucket.
func (l *Limiter) By(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			k = c.ClientIP()
		}
		if k == "" {
			k = "unknown"
		}
		if !l.allow(k) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybePrune(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.last).Minutes() * l.perMinute
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

const pruneAfter = 10 * time.Minute

// maybePrune drops buckets idle long enough to have fully refilled.
// Caller holds the lock.
func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneAfter {
		return
	}
	l.lastPrune = now
	for k, b := range l.buckets {
		if now.Sub(b.last) >= pruneAfter {
			delete(l.buckets, k)
		}
	}
}
