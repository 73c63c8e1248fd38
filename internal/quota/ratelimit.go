package quota

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"ollamachat/internal/redis"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const rateKeyPrefix = "rate_limit:"

// RateLimiter bounds requests per second per client key. With redis the
// window is a counter expiring after one second, shared by all instances;
// without redis each key gets an in-process token bucket.
type RateLimiter struct {
	cache *redis.Client
	qps   int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter returns a limiter allowing qps requests per second per key.
// qps <= 0 disables limiting.
func NewRateLimiter(cache *redis.Client, qps int) *RateLimiter {
	return &RateLimiter{
		cache:    cache,
		qps:      qps,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether one more request for key fits in the current window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.qps <= 0 {
		return true, nil
	}
	if r.cache.Enabled() {
		count, err := r.cache.IncrWithTTL(ctx, rateKeyPrefix+key, time.Second)
		if err != nil {
			return false, err
		}
		return count <= int64(r.qps), nil
	}
	return r.localLimiter(key).Allow(), nil
}

func (r *RateLimiter) localLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	entry, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) > 4096 {
			for k, e := range r.limiters {
				if now.Sub(e.lastSeen) > time.Minute {
					delete(r.limiters, k)
				}
			}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(r.qps), r.qps)}
		r.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Middleware rejects requests above the limit with 429, keyed by client IP.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := r.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Printf("[quota] rate limiter: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "rate limiter unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, slow down",
				"qps":   r.qps,
			})
			return
		}
		c.Next()
	}
}
