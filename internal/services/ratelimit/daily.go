package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dailyBuckets   = 24
	dailyBucketTTL = 25 * time.Hour
)

// DailyWindow is the trailing 24 hour view of a counter.
type DailyWindow struct {
	Sum int64
	// OldestBucket is the start of the oldest non-empty hour; zero when
	// the window is empty. The window frees up when this bucket ages out.
	OldestBucket time.Time
}

// DailyCounter tracks credits spent over a sliding day, approximated by
// 24 hourly buckets.
type DailyCounter interface {
	Add(ctx context.Context, key string, n int64) error
	Window(ctx context.Context, key string) (*DailyWindow, error)
	Reset(ctx context.Context, key string) error
}

// RedisDailyCounter stores one counter per (key, hour) so all processes
// see the same spend.
type RedisDailyCounter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisDailyCounter(client *redis.Client) *RedisDailyCounter {
	return &RedisDailyCounter{
		client: client,
		now:    time.Now,
	}
}

func (c *RedisDailyCounter) Add(ctx context.Context, key string, n int64) error {
	bucketKey := c.bucketKey(key, c.now().Truncate(time.Hour))

	pipe := c.client.Pipeline()
	pipe.IncrBy(ctx, bucketKey, n)
	pipe.Expire(ctx, bucketKey, dailyBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record daily spend: %w", err)
	}

	return nil
}

func (c *RedisDailyCounter) Window(ctx context.Context, key string) (*DailyWindow, error) {
	hour := c.now().Truncate(time.Hour)

	keys := make([]string, dailyBuckets)
	starts := make([]time.Time, dailyBuckets)
	for i := 0; i < dailyBuckets; i++ {
		start := hour.Add(-time.Duration(dailyBuckets-1-i) * time.Hour)
		keys[i] = c.bucketKey(key, start)
		starts[i] = start
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read daily window: %w", err)
	}

	window := &DailyWindow{}
	for i, raw := range values {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		window.Sum += n
		if window.OldestBucket.IsZero() {
			window.OldestBucket = starts[i]
		}
	}

	return window, nil
}

func (c *RedisDailyCounter) Reset(ctx context.Context, key string) error {
	keys, err := c.client.Keys(ctx, key+":*").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

func (c *RedisDailyCounter) bucketKey(key string, hour time.Time) string {
	return fmt.Sprintf("%s:%d", key, hour.Unix())
}

// InMemoryDailyCounter is the per-process fallback.
type InMemoryDailyCounter struct {
	mu      sync.Mutex
	buckets map[string]map[int64]int64
	now     func() time.Time
}

func NewInMemoryDailyCounter() *InMemoryDailyCounter {
	return &InMemoryDailyCounter{
		buckets: make(map[string]map[int64]int64),
		now:     time.Now,
	}
}

func (c *InMemoryDailyCounter) Add(ctx context.Context, key string, n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hours, exists := c.buckets[key]
	if !exists {
		hours = make(map[int64]int64)
		c.buckets[key] = hours
	}
	hours[c.now().Truncate(time.Hour).Unix()] += n
	return nil
}

func (c *InMemoryDailyCounter) Window(ctx context.Context, key string) (*DailyWindow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := &DailyWindow{}
	hours, exists := c.buckets[key]
	if !exists {
		return window, nil
	}

	cutoff := c.now().Truncate(time.Hour).Add(-time.Duration(dailyBuckets-1) * time.Hour).Unix()
	for hour, n := range hours {
		if hour < cutoff {
			delete(hours, hour)
			continue
		}
		window.Sum += n
		start := time.Unix(hour, 0)
		if window.OldestBucket.IsZero() || start.Before(window.OldestBucket) {
			window.OldestBucket = start
		}
	}

	return window, nil
}

func (c *InMemoryDailyCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.buckets, key)
	return nil
}
