package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestInMemoryLimiter(t *testing.T) {
	logger := zap.NewNop()
	limiter := NewInMemoryLimiter(logger)

	ctx := context.Background()
	key := "test-key"
	limit := 5
	window := time.Minute

	t.Run("allow requests within limit", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		for i := 0; i < limit; i++ {
			allowed, remaining, err := limiter.AllowN(ctx, key, 1, limit, window)
			require.NoError(t, err)
			assert.True(t, allowed, "Request %d should be allowed", i+1)
			assert.Equal(t, limit-i-1, remaining)
		}
	})

	t.Run("reject requests exceeding limit", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		for i := 0; i < limit; i++ {
			allowed, _, err := limiter.AllowN(ctx, key, 1, limit, window)
			require.NoError(t, err)
			require.True(t, allowed)
		}

		allowed, remaining, err := limiter.AllowN(ctx, key, 1, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)
	})

	t.Run("window rotation clears the count", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		base := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
		limiter.now = func() time.Time { return base }
		defer func() { limiter.now = time.Now }()

		for i := 0; i < limit; i++ {
			allowed, _, err := limiter.AllowN(ctx, key, 1, limit, window)
			require.NoError(t, err)
			require.True(t, allowed)
		}

		allowed, _, err := limiter.AllowN(ctx, key, 1, limit, window)
		require.NoError(t, err)
		require.False(t, allowed)

		limiter.now = func() time.Time { return base.Add(window) }

		allowed, remaining, err := limiter.AllowN(ctx, key, 1, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, limit-1, remaining)
	})

	t.Run("AllowN rejects batches that do not fit", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		allowed, _, err := limiter.AllowN(ctx, key, 3, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)

		allowed, remaining, err := limiter.AllowN(ctx, key, 3, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 2, remaining)

		allowed, _, err = limiter.AllowN(ctx, key, 2, limit, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Charge is unconditional", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		require.NoError(t, limiter.Charge(ctx, key, limit+3, window))

		remaining, err := limiter.Remaining(ctx, key, limit, window)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)

		allowed, _, err := limiter.AllowN(ctx, key, 1, limit, window)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("concurrent access admits exactly limit", func(t *testing.T) {
		_ = limiter.Reset(ctx, key)

		const goroutines = 20
		results := make(chan bool, goroutines)

		var wg sync.WaitGroup
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				allowed, _, err := limiter.AllowN(ctx, key, 1, limit, window)
				assert.NoError(t, err)
				results <- allowed
			}()
		}
		wg.Wait()
		close(results)

		admitted := 0
		for allowed := range results {
			if allowed {
				admitted++
			}
		}
		assert.Equal(t, limit, admitted)
	})
}

func TestFixedWindowLimiter(t *testing.T) {
	client, _ := newRedisClient(t)
	logger := zap.NewNop()
	limiter := NewFixedWindowLimiter(client, logger)

	ctx := context.Background()

	t.Run("admits up to the limit then rolls back", func(t *testing.T) {
		key := "fixed:" + uuid.NewString()

		for i := 0; i < 3; i++ {
			allowed, remaining, err := limiter.AllowN(ctx, key, 1, 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, allowed)
			assert.Equal(t, 2-i, remaining)
		}

		allowed, remaining, err := limiter.AllowN(ctx, key, 1, 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 0, remaining)

		// The denied attempt must not consume the window.
		left, err := limiter.Remaining(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, left)
	})

	t.Run("oversized batch leaves space intact", func(t *testing.T) {
		key := "fixed:" + uuid.NewString()

		allowed, _, err := limiter.AllowN(ctx, key, 4, 10, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)

		allowed, remaining, err := limiter.AllowN(ctx, key, 7, 10, time.Minute)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 6, remaining)

		allowed, _, err = limiter.AllowN(ctx, key, 6, 10, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	})

	t.Run("Charge records actuals past the limit", func(t *testing.T) {
		key := "fixed:" + uuid.NewString()

		require.NoError(t, limiter.Charge(ctx, key, 12, time.Minute))

		remaining, err := limiter.Remaining(ctx, key, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
	})

	t.Run("Reset clears every window of the key", func(t *testing.T) {
		key := "fixed:" + uuid.NewString()

		_, _, err := limiter.AllowN(ctx, key, 5, 10, time.Minute)
		require.NoError(t, err)
		require.NoError(t, limiter.Reset(ctx, key))

		remaining, err := limiter.Remaining(ctx, key, 10, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 10, remaining)
	})
}

func TestDailyCounters(t *testing.T) {
	ctx := context.Background()

	t.Run("redis counter sums hourly buckets", func(t *testing.T) {
		client, mr := newRedisClient(t)
		counter := NewRedisDailyCounter(client)

		base := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
		counter.now = func() time.Time { return base }

		key := "daily:" + uuid.NewString()
		require.NoError(t, counter.Add(ctx, key, 50))

		counter.now = func() time.Time { return base.Add(3 * time.Hour) }
		require.NoError(t, counter.Add(ctx, key, 25))

		window, err := counter.Window(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(75), window.Sum)
		assert.Equal(t, base.Truncate(time.Hour).Unix(), window.OldestBucket.Unix())

		// Buckets expire out of Redis after 25h.
		mr.FastForward(26 * time.Hour)
		counter.now = func() time.Time { return base.Add(26 * time.Hour) }

		window, err = counter.Window(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), window.Sum)
	})

	t.Run("memory counter evicts buckets past the window", func(t *testing.T) {
		counter := NewInMemoryDailyCounter()

		base := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
		counter.now = func() time.Time { return base }

		key := "daily:" + uuid.NewString()
		require.NoError(t, counter.Add(ctx, key, 100))

		counter.now = func() time.Time { return base.Add(23 * time.Hour) }
		window, err := counter.Window(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(100), window.Sum)

		counter.now = func() time.Time { return base.Add(25 * time.Hour) }
		window, err = counter.Window(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), window.Sum)
	})
}

// pinClock freezes every window clock so a wall-clock minute boundary
// cannot rotate the windows mid-test.
func pinClock(service *Service, at time.Time) {
	now := func() time.Time { return at }
	service.now = now
	service.shared.(*FixedWindowLimiter).now = now
	service.local.(*InMemoryLimiter).now = now
	service.sharedDaily.(*RedisDailyCounter).now = now
	service.localDaily.(*InMemoryDailyCounter).now = now
}

func TestService_Admit(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	frozen := time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC)

	t.Run("request window denies with retry hint", func(t *testing.T) {
		client, _ := newRedisClient(t)
		service := NewService(client, logger)
		pinClock(service, frozen)
		userID := uuid.New()

		limits := LimitsForTier(models.TierFree)
		for i := 0; i < limits.RequestsPerMinute; i++ {
			decision := service.Admit(ctx, userID, models.TierFree, 0)
			require.True(t, decision.Allowed, "request %d should be admitted", i+1)
			assert.Equal(t, int64(limits.RequestsPerMinute), decision.Limit)
		}

		decision := service.Admit(ctx, userID, models.TierFree, 0)
		assert.False(t, decision.Allowed)
		assert.Equal(t, ScopeRequests, decision.Scope)
		assert.Equal(t, int64(0), decision.Remaining)
		assert.Equal(t, 45, decision.RetryAfterSeconds)
		assert.Equal(t, frozen.Truncate(time.Minute).Add(time.Minute), decision.ResetAt)
	})

	t.Run("token window sized by the estimate", func(t *testing.T) {
		client, _ := newRedisClient(t)
		service := NewService(client, logger)
		pinClock(service, frozen)
		userID := uuid.New()

		decision := service.Admit(ctx, userID, models.TierFree, 6_000)
		require.True(t, decision.Allowed)

		decision = service.Admit(ctx, userID, models.TierFree, 6_000)
		assert.False(t, decision.Allowed)
		assert.Equal(t, ScopeTokens, decision.Scope)
		assert.Equal(t, int64(4_000), decision.Remaining)
	})

	t.Run("daily credit spend closes the gate", func(t *testing.T) {
		client, _ := newRedisClient(t)
		service := NewService(client, logger)
		pinClock(service, frozen)
		userID := uuid.New()

		service.Record(ctx, userID, 0, 150)
		decision := service.Admit(ctx, userID, models.TierFree, 0)
		require.True(t, decision.Allowed)

		service.Record(ctx, userID, 0, 60)
		decision = service.Admit(ctx, userID, models.TierFree, 0)
		assert.False(t, decision.Allowed)
		assert.Equal(t, ScopeCredits, decision.Scope)
		assert.Equal(t, int64(200), decision.Limit)
		assert.Equal(t, int64(0), decision.Remaining)
		assert.LessOrEqual(t, decision.RetryAfterSeconds, 24*3600)
	})

	t.Run("unknown tier falls back to free limits", func(t *testing.T) {
		limits := LimitsForTier(models.Tier("mystery"))
		assert.Equal(t, LimitsForTier(models.TierFree), limits)
	})

	t.Run("degrades to in-memory windows when the store dies", func(t *testing.T) {
		client, mr := newRedisClient(t)
		service := NewService(client, logger)
		pinClock(service, frozen)
		userID := uuid.New()

		decision := service.Admit(ctx, userID, models.TierFree, 0)
		require.True(t, decision.Allowed)

		mr.Close()

		// The limiter keeps enforcing per process instead of failing open.
		limits := LimitsForTier(models.TierFree)
		admitted := 0
		for i := 0; i < limits.RequestsPerMinute+5; i++ {
			if service.Admit(ctx, userID, models.TierFree, 0).Allowed {
				admitted++
			}
		}
		assert.Equal(t, limits.RequestsPerMinute, admitted)
	})
}

func TestService_Info(t *testing.T) {
	ctx := context.Background()
	client, _ := newRedisClient(t)
	service := NewService(client, zap.NewNop())
	pinClock(service, time.Date(2025, 6, 1, 12, 0, 15, 0, time.UTC))
	userID := uuid.New()

	require.True(t, service.Admit(ctx, userID, models.TierPro, 1_000).Allowed)
	service.Record(ctx, userID, 0, 40)

	info := service.Info(ctx, userID, models.TierPro)
	assert.Equal(t, "pro", info.Tier)
	assert.Equal(t, int64(60), info.Requests.Limit)
	assert.Equal(t, int64(59), info.Requests.Remaining)
	assert.Equal(t, int64(100_000), info.Tokens.Limit)
	assert.Equal(t, int64(99_000), info.Tokens.Remaining)
	assert.Equal(t, int64(5_000), info.Credits.Limit)
	assert.Equal(t, int64(4_960), info.Credits.Remaining)
	assert.False(t, info.Requests.ResetAt.IsZero())
}
