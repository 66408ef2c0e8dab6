package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/oauth"
	"github.com/metergate/metergate/internal/services/ratelimit"
)

// TestDistributedRequestWindow simulates multiple gateway instances (pods)
// sharing admission windows via Redis so a user's budget holds across the
// whole deployment, not per pod.
func TestDistributedRequestWindow(t *testing.T) {
	t.Parallel()

	// Setup shared Redis instance (simulates production Redis)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	defer func() { _ = redisClient.Close() }()

	logger, _ := zap.NewDevelopment()

	// Two gateway instances behind the same load balancer
	pod1 := ratelimit.NewService(redisClient, logger.Named("pod1"))
	pod2 := ratelimit.NewService(redisClient, logger.Named("pod2"))

	ctx := context.Background()
	userID := uuid.New()
	limits := ratelimit.LimitsForTier(models.TierFree)

	t.Run("window shared across pods", func(t *testing.T) {
		// Spread the free tier's request budget over both pods
		for i := 0; i < limits.RequestsPerMinute-4; i++ {
			decision := pod1.Admit(ctx, userID, models.TierFree, 0)
			require.True(t, decision.Allowed, "request %d on pod1 should be admitted", i+1)
		}
		for i := 0; i < 4; i++ {
			decision := pod2.Admit(ctx, userID, models.TierFree, 0)
			require.True(t, decision.Allowed, "request %d on pod2 should be admitted", i+1)
		}

		// The budget is spent; either pod must refuse the next request
		decision := pod2.Admit(ctx, userID, models.TierFree, 0)
		assert.False(t, decision.Allowed, "pod2 should see the requests pod1 admitted")
		assert.Equal(t, ratelimit.ScopeRequests, decision.Scope)
		assert.Equal(t, int64(limits.RequestsPerMinute), decision.Limit)
		assert.Equal(t, int64(0), decision.Remaining)

		decision = pod1.Admit(ctx, userID, models.TierFree, 0)
		assert.False(t, decision.Allowed, "pod1 should be exhausted too")

		t.Logf("Shared window denied on both pods after %d admissions", limits.RequestsPerMinute)
	})

	t.Run("denial carries retry metadata", func(t *testing.T) {
		decision := pod1.Admit(ctx, userID, models.TierFree, 0)
		require.False(t, decision.Allowed)

		assert.GreaterOrEqual(t, decision.RetryAfterSeconds, 1)
		assert.LessOrEqual(t, decision.RetryAfterSeconds, 60)
		assert.False(t, decision.ResetAt.IsZero())
		assert.True(t, decision.ResetAt.After(time.Now().Add(-time.Second)))
	})

	t.Run("introspection agrees on both pods", func(t *testing.T) {
		info1 := pod1.Info(ctx, userID, models.TierFree)
		info2 := pod2.Info(ctx, userID, models.TierFree)

		assert.Equal(t, info1.Requests.Remaining, info2.Requests.Remaining)
		assert.Equal(t, int64(0), info2.Requests.Remaining)
		assert.Equal(t, string(models.TierFree), info2.Tier)
	})
}

// TestMultiPodFailover verifies that each pod keeps enforcing windows from
// process-local state when Redis goes away instead of failing open.
func TestMultiPodFailover(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	defer func() { _ = redisClient.Close() }()

	logger := zap.NewNop()

	pod1 := ratelimit.NewService(redisClient, logger.Named("pod1"))
	pod2 := ratelimit.NewService(redisClient, logger.Named("pod2"))

	ctx := context.Background()
	userID := uuid.New()
	limits := ratelimit.LimitsForTier(models.TierFree)

	// Redis failure hits every command from now on
	mr.SetError("connection refused")

	// Pod 1 degrades to its in-memory window and still enforces the limit
	admitted := 0
	for i := 0; i < limits.RequestsPerMinute+5; i++ {
		if pod1.Admit(ctx, userID, models.TierFree, 0).Allowed {
			admitted++
		}
	}
	assert.Equal(t, limits.RequestsPerMinute, admitted,
		"pod1 should enforce its local window during the outage")

	// Pod 2 has its own local window, so the user gets at most
	// limit-per-pod during the outage rather than unlimited requests
	decision := pod2.Admit(ctx, userID, models.TierFree, 0)
	assert.True(t, decision.Allowed, "pod2 enforces independently while degraded")

	t.Logf("During outage: pod1 admitted %d/%d, pod2 fell back to its own window",
		admitted, limits.RequestsPerMinute+5)
}

// TestConcurrentAdmissions hammers one user's window from two pods at once
// and checks that the shared counter never over-admits.
func TestConcurrentAdmissions(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	defer func() { _ = redisClient.Close() }()

	logger := zap.NewNop()

	pods := []*ratelimit.Service{
		ratelimit.NewService(redisClient, logger.Named("pod1")),
		ratelimit.NewService(redisClient, logger.Named("pod2")),
	}

	ctx := context.Background()
	userID := uuid.New()
	limits := ratelimit.LimitsForTier(models.TierFree)
	windowStart := time.Now().Truncate(time.Minute)

	const attempts = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			decision := pods[n%len(pods)].Admit(ctx, userID, models.TierFree, 0)
			if decision.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if !time.Now().Truncate(time.Minute).Equal(windowStart) {
		t.Skip("minute rolled over mid-test")
	}

	assert.Equal(t, limits.RequestsPerMinute, admitted,
		"concurrent admissions across pods must not exceed the shared limit")

	t.Logf("Admitted %d of %d concurrent attempts across %d pods",
		admitted, attempts, len(pods))
}

// TestDailyCreditSharing checks that credits settled on one pod count
// against the daily budget every pod enforces.
func TestDailyCreditSharing(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	defer func() { _ = redisClient.Close() }()

	logger, _ := zap.NewDevelopment()

	pod1 := ratelimit.NewService(redisClient, logger.Named("pod1"))
	pod2 := ratelimit.NewService(redisClient, logger.Named("pod2"))

	ctx := context.Background()
	userID := uuid.New()
	limits := ratelimit.LimitsForTier(models.TierFree)

	// Pod 1 settles a day's worth of spend
	pod1.Record(ctx, userID, 0, limits.CreditsPerDay)

	// Pod 2 must refuse before opening an upstream connection
	decision := pod2.Admit(ctx, userID, models.TierFree, 0)
	require.False(t, decision.Allowed, "pod2 should see credits spent on pod1")
	assert.Equal(t, ratelimit.ScopeCredits, decision.Scope)
	assert.Equal(t, limits.CreditsPerDay, decision.Limit)
	assert.Equal(t, int64(0), decision.Remaining)
	assert.Greater(t, decision.RetryAfterSeconds, 0)

	info := pod2.Info(ctx, userID, models.TierFree)
	assert.Equal(t, int64(0), info.Credits.Remaining)
	assert.True(t, info.Credits.ResetAt.After(time.Now()))

	t.Logf("Daily budget exhausted on pod1, pod2 denies with retry after %ds",
		decision.RetryAfterSeconds)
}

// TestDistributedRevocation verifies that revoking a token on one pod takes
// effect on every pod before the token expires on its own.
func TestDistributedRevocation(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{
		Addr: mr.Addr(),
	})
	defer func() { _ = redisClient.Close() }()

	logger := zap.NewNop()

	pod1 := oauth.NewDenylist(redisClient, logger.Named("pod1"))
	pod2 := oauth.NewDenylist(redisClient, logger.Named("pod2"))

	ctx := context.Background()
	jti := uuid.NewString()

	require.False(t, pod2.IsRevoked(ctx, jti), "fresh token should not be revoked")

	// User revokes through whichever pod the load balancer picked
	require.NoError(t, pod1.Revoke(ctx, jti, 15*time.Minute))

	assert.True(t, pod2.IsRevoked(ctx, jti), "revocation must be visible on every pod")
	assert.True(t, pod1.IsRevoked(ctx, jti))

	// The entry ages out with the token's natural lifetime
	mr.FastForward(16 * time.Minute)
	assert.False(t, pod2.IsRevoked(ctx, jti), "expired entries should not linger")

	// Revoking an already-expired token is a no-op, not an error
	require.NoError(t, pod1.Revoke(ctx, uuid.NewString(), 0))
}
