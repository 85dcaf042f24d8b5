// Package throttle counts failed passcode attempts per subject in a fixed
// window. Once a subject reaches the limit further attempts are refused until
// the window expires. Redis backs the counters when several replicas share
// state; a mutex-guarded map serves single-instance deployments and tests.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned when the backing store cannot be reached
var ErrUnavailable = errors.New("attempt limiter unavailable")

// Defaults used when the configured values are zero
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 10 * time.Minute
)

// AttemptLimiter tracks failed attempts for a subject (a user ID)
type AttemptLimiter interface {
	// Blocked reports whether the subject has used up its attempts
	Blocked(ctx context.Context, subject string) (bool, error)
	// RecordFailure counts one failed attempt. The window starts at the
	// first failure.
	RecordFailure(ctx context.Context, subject string) error
	// Reset clears the subject's counter after a success
	Reset(ctx context.Context, subject string) error
}

func normalize(maxAttempts int, window time.Duration) (int, time.Duration) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return maxAttempts, window
}

// RedisAttemptLimiter keeps counters in Redis with INCR + EXPIRE
type RedisAttemptLimiter struct {
	redis       redis.Cmdable
	prefix      string
	maxAttempts int
	window      time.Duration
}

// NewRedisAttemptLimiter creates a Redis-backed limiter. prefix namespaces
// the keys (e.g. "otp").
func NewRedisAttemptLimiter(client redis.Cmdable, prefix string, maxAttempts int, window time.Duration) *RedisAttemptLimiter {
	maxAttempts, window = normalize(maxAttempts, window)
	return &RedisAttemptLimiter{redis: client, prefix: prefix, maxAttempts: maxAttempts, window: window}
}

func (l *RedisAttemptLimiter) key(subject string) string {
	return "apim:att:" + l.prefix + ":" + subject
}

// Blocked implements AttemptLimiter
func (l *RedisAttemptLimiter) Blocked(ctx context.Context, subject string) (bool, error) {
	count, err := l.redis.Get(ctx, l.key(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count >= int64(l.maxAttempts), nil
}

// RecordFailure implements AttemptLimiter
func (l *RedisAttemptLimiter) RecordFailure(ctx context.Context, subject string) error {
	key := l.key(subject)
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Reset implements AttemptLimiter
func (l *RedisAttemptLimiter) Reset(ctx context.Context, subject string) error {
	if err := l.redis.Del(ctx, l.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type attemptWindow struct {
	count   int
	expires time.Time
}

// MemoryAttemptLimiter keeps counters in process memory
type MemoryAttemptLimiter struct {
	mu          sync.Mutex
	entries     map[string]*attemptWindow
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// NewMemoryAttemptLimiter creates an in-process limiter
func NewMemoryAttemptLimiter(maxAttempts int, window time.Duration) *MemoryAttemptLimiter {
	maxAttempts, window = normalize(maxAttempts, window)
	return &MemoryAttemptLimiter{
		entries:     make(map[string]*attemptWindow),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// current returns the live window for subject, dropping an expired one.
// Caller holds mu.
func (l *MemoryAttemptLimiter) current(subject string) *attemptWindow {
	w, ok := l.entries[subject]
	if !ok {
		return nil
	}
	if !l.now().Before(w.expires) {
		delete(l.entries, subject)
		return nil
	}
	return w
}

// Blocked implements AttemptLimiter
func (l *MemoryAttemptLimiter) Blocked(_ context.Context, subject string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(subject)
	return w != nil && w.count >= l.maxAttempts, nil
}

// RecordFailure implements AttemptLimiter
func (l *MemoryAttemptLimiter) RecordFailure(_ context.Context, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.current(subject)
	if w == nil {
		w = &attemptWindow{expires: l.now().Add(l.window)}
		l.entries[subject] = w
	}
	w.count++
	return nil
}

// Reset implements AttemptLimiter
func (l *MemoryAttemptLimiter) Reset(_ context.Context, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, subject)
	return nil
}

// SweepInterval is how often RunSweeper drops expired windows
const SweepInterval = 5 * time.Minute

// RunSweeper calls Sweep every interval until ctx is cancelled
func (l *MemoryAttemptLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops expired windows
func (l *MemoryAttemptLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for subject, w := range l.entries {
		if !now.Before(w.expires) {
			delete(l.entries, subject)
		}
	}
}
