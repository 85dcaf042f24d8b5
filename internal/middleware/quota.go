// quota.go enforces the global per-client request quotas (per day and per
// hour). With Redis configured the quotas are GCRA limits shared by every
// replica; otherwise they are fixed windows held in process memory.
package middleware

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// Quota is a request budget per client over a period
type Quota struct {
	Name   string
	Limit  int
	Period time.Duration
}

// QuotaResult is the outcome of charging one request against a quota
type QuotaResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// QuotaLimiter charges requests against quotas
type QuotaLimiter interface {
	Allow(ctx context.Context, key string, q Quota) (QuotaResult, error)
}

// GlobalQuotas builds the day and hour quotas from configuration. Zero limits
// are skipped.
func GlobalQuotas(cfg *config.RateLimitingConfig) []Quota {
	var quotas []Quota
	if cfg.PerDay > 0 {
		quotas = append(quotas, Quota{Name: "day", Limit: cfg.PerDay, Period: 24 * time.Hour})
	}
	if cfg.PerHour > 0 {
		quotas = append(quotas, Quota{Name: "hour", Limit: cfg.PerHour, Period: time.Hour})
	}
	return quotas
}

// RedisQuotaLimiter is backed by redis_rate
type RedisQuotaLimiter struct {
	limiter *redis_rate.Limiter
	prefix  string
}

// NewRedisQuotaLimiter creates a limiter over client. Keys are namespaced by
// prefix.
func NewRedisQuotaLimiter(client *redis.Client, prefix string) *RedisQuotaLimiter {
	return &RedisQuotaLimiter{limiter: redis_rate.NewLimiter(client), prefix: prefix}
}

// Allow charges one request
func (l *RedisQuotaLimiter) Allow(ctx context.Context, key string, q Quota) (QuotaResult, error) {
	res, err := l.limiter.Allow(ctx, l.prefix+q.Name+":"+key, redis_rate.Limit{
		Rate:   q.Limit,
		Burst:  q.Limit,
		Period: q.Period,
	})
	if err != nil {
		return QuotaResult{}, err
	}
	return QuotaResult{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

type quotaWindow struct {
	count   int
	resetAt time.Time
}

// maxQuotaWindows triggers a sweep of expired windows
const maxQuotaWindows = 10000

// MemoryQuotaLimiter keeps fixed windows in process memory
type MemoryQuotaLimiter struct {
	mu      sync.Mutex
	windows map[string]*quotaWindow
	now     func() time.Time
}

// NewMemoryQuotaLimiter creates an in-process limiter
func NewMemoryQuotaLimiter() *MemoryQuotaLimiter {
	return &MemoryQuotaLimiter{windows: make(map[string]*quotaWindow), now: time.Now}
}

// Allow charges one request
func (l *MemoryQuotaLimiter) Allow(_ context.Context, key string, q Quota) (QuotaResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) >= maxQuotaWindows {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	id := q.Name + ":" + key
	w, ok := l.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &quotaWindow{resetAt: now.Add(q.Period)}
		l.windows[id] = w
	}

	if w.count >= q.Limit {
		return QuotaResult{Allowed: false, RetryAfter: w.resetAt.Sub(now)}, nil
	}
	w.count++
	return QuotaResult{Allowed: true, Remaining: q.Limit - w.count}, nil
}

// QuotaMiddleware charges each request against every quota, keyed by client
// IP. Quotas are charged shortest period first and charging stops at the
// first exhausted one, which answers 429 with Retry-After; a request refused
// by the hourly quota never spends daily budget. Limiter errors are logged
// and the request is let through.
func QuotaMiddleware(limiter QuotaLimiter, quotas ...Quota) gin.HandlerFunc {
	quotas = slices.Clone(quotas)
	slices.SortStableFunc(quotas, func(a, b Quota) int { return cmp.Compare(a.Period, b.Period) })

	return func(c *gin.Context) {
		if len(quotas) == 0 {
			c.Next()
			return
		}

		key := c.ClientIP()
		remaining, limit := math.MaxInt, 0

		for _, q := range quotas {
			res, err := limiter.Allow(c.Request.Context(), key, q)
			if err != nil {
				slog.Warn("quota limiter unavailable", "quota", q.Name, "error", err)
				c.Next()
				return
			}
			if !res.Allowed {
				retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				telemetry.RateLimitedRequestsTotal.WithLabelValues("global").Inc()
				c.Header("X-RateLimit-Limit", strconv.Itoa(q.Limit))
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":       "Rate limit exceeded",
					"message":     "Too many requests per " + q.Name,
					"retry_after": retryAfter,
				})
				return
			}
			if res.Remaining < remaining {
				remaining, limit = res.Remaining, q.Limit
			}
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
