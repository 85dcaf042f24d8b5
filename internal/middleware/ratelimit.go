// ratelimit.go provides the in-process token bucket used to slow down the
// unauthenticated /auth endpoints (login, registration, passcode resend).
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/api-manager/api-manager/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// RateLimitConfig configures a token bucket
type RateLimitConfig struct {
	// RequestsPerMinute is the refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// AuthRateLimitConfig returns the defaults for the /auth endpoints
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// idleBucketTTL is how long an untouched bucket survives cleanup
const idleBucketTTL = 10 * time.Minute

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is a per-client token bucket limiter
type RateLimiter struct {
	config   RateLimitConfig
	buckets  map[string]*bucket
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call Stop
// on shutdown.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > idleBucketTTL {
			delete(rl.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// refill tops up b for the time elapsed since its last update. Caller holds mu.
func (rl *RateLimiter) refill(b *bucket, now time.Time) {
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	b.tokens = min(float64(rl.config.BurstSize), b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
	b.lastUpdate = now
}

// Allow takes one token for key and reports whether one was available, plus
// the tokens left afterwards
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.buckets[key] = b
	} else {
		rl.refill(b, now)
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens)
	}
	return false, 0
}

// retryAfterSeconds is the wait until one token is available again
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.config.RequestsPerMinute <= 0 {
		return 60
	}
	secs := 60 / rl.config.RequestsPerMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimitMiddleware rejects clients that exhausted their bucket with 429.
// name labels the rejection metric.
func RateLimitMiddleware(limiter *RateLimiter, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining := limiter.Allow(rateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := limiter.retryAfterSeconds()
			telemetry.RateLimitedRequestsTotal.WithLabelValues(name).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey picks the client identity: user_id, then api_key_id, then IP
func rateLimitKey(c *gin.Context) string {
	if id := c.GetString(ContextKeyUserID); id != "" {
		return "user:" + id
	}
	if id := c.GetString(ContextKeyAPIKeyID); id != "" {
		return "apikey:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
