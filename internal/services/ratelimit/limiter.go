package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter is a fixed-window counter. AllowN admits n units against the
// window's limit and reports the space left after the call; Charge adds
// units unconditionally (post-hoc accounting of actuals).
type Limiter interface {
	AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, int, error)
	Charge(ctx context.Context, key string, n int, window time.Duration) error
	Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// Admission and rollback must be one atomic step so two concurrent
// requests cannot both squeeze into the last slot.
const fixedWindowScript = `
local count = redis.call("incrby", KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) then
	redis.call("pexpire", KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[3]) then
	redis.call("decrby", KEYS[1], ARGV[1])
	local left = tonumber(ARGV[3]) - (count - tonumber(ARGV[1]))
	if left < 0 then
		left = 0
	end
	return {0, left}
end
return {1, tonumber(ARGV[3]) - count}
`

// FixedWindowLimiter counts per (key, windowStart) in Redis so every
// process shares the same windows.
type FixedWindowLimiter struct {
	client *redis.Client
	log    *zap.Logger
	now    func() time.Time
}

func NewFixedWindowLimiter(client *redis.Client, log *zap.Logger) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

func (f *FixedWindowLimiter) AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, int, error) {
	windowKey := f.windowKey(key, window)

	result, err := f.client.Eval(ctx, fixedWindowScript, []string{windowKey},
		n, window.Milliseconds(), limit).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script reply: %v", result)
	}

	allowed := values[0].(int64) == 1
	remaining := int(values[1].(int64))
	return allowed, remaining, nil
}

func (f *FixedWindowLimiter) Charge(ctx context.Context, key string, n int, window time.Duration) error {
	windowKey := f.windowKey(key, window)

	count, err := f.client.IncrBy(ctx, windowKey, int64(n)).Result()
	if err != nil {
		return fmt.Errorf("failed to charge rate limit window: %w", err)
	}

	// Set expiry on first increment
	if count == int64(n) {
		f.client.Expire(ctx, windowKey, window)
	}

	return nil
}

func (f *FixedWindowLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	windowKey := f.windowKey(key, window)

	count, err := f.client.Get(ctx, windowKey).Int()
	if err == redis.Nil {
		return limit, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

func (f *FixedWindowLimiter) Reset(ctx context.Context, key string) error {
	pattern := fmt.Sprintf("%s:*", key)
	keys, err := f.client.Keys(ctx, pattern).Result()
	if err != nil {
		return err
	}

	if len(keys) > 0 {
		return f.client.Del(ctx, keys...).Err()
	}

	return nil
}

func (f *FixedWindowLimiter) windowKey(key string, window time.Duration) string {
	windowStart := f.now().Truncate(window).Unix()
	return fmt.Sprintf("%s:%d", key, windowStart)
}

// InMemoryLimiter keeps the same fixed windows per process. It backs the
// shared limiter when Redis is unreachable, so limits keep holding per
// instance instead of failing open.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	log     *zap.Logger
	now     func() time.Time
}

type memoryWindow struct {
	start time.Time
	count int
}

func NewInMemoryLimiter(log *zap.Logger) *InMemoryLimiter {
	limiter := &InMemoryLimiter{
		windows: make(map[string]*memoryWindow),
		log:     log,
		now:     time.Now,
	}

	// Start cleanup goroutine
	go limiter.cleanup()

	return limiter
}

func (l *InMemoryLimiter) AllowN(ctx context.Context, key string, n, limit int, window time.Duration) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.currentWindow(key, window)
	if w.count+n > limit {
		remaining := limit - w.count
		if remaining < 0 {
			remaining = 0
		}
		return false, remaining, nil
	}

	w.count += n
	return true, limit - w.count, nil
}

func (l *InMemoryLimiter) Charge(ctx context.Context, key string, n int, window time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.currentWindow(key, window).count += n
	return nil
}

func (l *InMemoryLimiter) Remaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := limit - l.currentWindow(key, window).count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *InMemoryLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.windows, key)
	return nil
}

// currentWindow rotates the window when its start has passed. Callers
// hold l.mu.
func (l *InMemoryLimiter) currentWindow(key string, window time.Duration) *memoryWindow {
	start := l.now().Truncate(window)
	w, exists := l.windows[key]
	if !exists || !w.start.Equal(start) {
		w = &memoryWindow{start: start}
		l.windows[key] = w
	}
	return w
}

func (l *InMemoryLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		now := l.now()
		for key, w := range l.windows {
			if now.Sub(w.start) > time.Hour {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}
