package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// bucketIdleEviction is how long a caller's bucket may sit untouched
// before the janitor removes it, so transient partner IPs don't
// accumulate state forever.
const bucketIdleEviction = 10 * time.Minute

// callerBucket is one caller's token-bucket state. tokens refills
// continuously at the limiter's per-second rate, capped at the burst
// size.
type callerBucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// RateLimiter throttles the ingest/lookup/capping surface per caller IP.
// An exhausted bucket answers 429 with a Retry-After hint instead of
// letting one partner's burst starve the rest.
type RateLimiter struct {
	perSecond float64
	burst     float64

	mu      sync.Mutex
	buckets map[string]*callerBucket
}

// NewRateLimiter allows ratePerMin requests per minute per IP with the
// given burst headroom, and starts the idle-bucket janitor.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		perSecond: float64(ratePerMin) / 60.0,
		burst:     float64(burst),
		buckets:   make(map[string]*callerBucket),
	}
	go rl.evictIdle()
	return rl
}

// take consumes one token from ip's bucket if available, otherwise
// reports how long until the next token accrues.
func (rl *RateLimiter) take(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	bucket, ok := rl.buckets[ip]
	if !ok {
		bucket = &callerBucket{tokens: rl.burst}
		rl.buckets[ip] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := time.Now()
	bucket.tokens += now.Sub(bucket.lastSeen).Seconds() * rl.perSecond
	if bucket.tokens > rl.burst {
		bucket.tokens = rl.burst
	}
	bucket.lastSeen = now

	if bucket.tokens >= 1.0 {
		bucket.tokens--
		return true, 0
	}
	wait := time.Duration((1.0-bucket.tokens)/rl.perSecond*1000) * time.Millisecond
	return false, wait
}

// Middleware enforces the per-IP limit on every request passing through
// it.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.take(c.ClientIP())
		if !ok {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": retryAfter.String(),
				"limit":      fmt.Sprintf("%.0f requests/minute per IP", rl.perSecond*60),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// evictIdle periodically drops buckets that haven't been touched within
// bucketIdleEviction.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(bucketIdleEviction)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-bucketIdleEviction)
		rl.mu.Lock()
		for ip, b := range rl.buckets {
			b.mu.Lock()
			idle := b.lastSeen.Before(cutoff)
			b.mu.Unlock()
			if idle {
				delete(rl.buckets, ip)
			}
		}
		rl.mu.Unlock()
	}
}
