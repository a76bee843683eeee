package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterMaxIdle    = 10 * time.Minute
)

// clientBucket is one caller's token bucket plus the recency stamp the
// sweep uses to drop it.
type clientBucket struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	nextSweep time.Time
}

// RateLimiter returns a middleware enforcing a per-client-IP token bucket:
// rps sustained requests per second with the given burst. Idle buckets are
// swept inline on the request path, so the limiter owns no background
// goroutine.
func RateLimiter(rps, burst int) gin.HandlerFunc {
	rl := &rateLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		clients:   make(map[string]*clientBucket),
		nextSweep: time.Now().Add(limiterSweepEvery),
	}
	return rl.handle
}

func (rl *rateLimiter) handle(c *gin.Context) {
	if !rl.allow(c.ClientIP(), time.Now()) {
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
		return
	}
	c.Next()
}

func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.nextSweep) {
		for addr, cb := range rl.clients {
			if now.Sub(cb.lastSeen) > limiterMaxIdle {
				delete(rl.clients, addr)
			}
		}
		rl.nextSweep = now.Add(limiterSweepEvery)
	}

	cb, ok := rl.clients[ip]
	if !ok {
		cb = &clientBucket{bucket: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = cb
	}
	cb.lastSeen = now
	return cb.bucket.Allow()
}
