package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	balanceKeyPrefix  = "credits:balance:"
	defaultBalanceTTL = 30 * time.Second
)

// BalanceCache keeps recently read balances in Redis so the preflight
// check on every request does not hit Postgres. Entries are short-lived
// and invalidated on every mutation.
type BalanceCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = defaultBalanceTTL
	}
	return &BalanceCache{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Get returns the cached balances, or nil on a miss.
func (c *BalanceCache) Get(ctx context.Context, userID uuid.UUID) (*Balances, error) {
	data, err := c.client.Get(ctx, balanceKeyPrefix+userID.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance from cache: %w", err)
	}

	var balances Balances
	if err := json.Unmarshal([]byte(data), &balances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached balance: %w", err)
	}

	return &balances, nil
}

// Set stores the balances. Failures are logged and swallowed; the cache
// is an optimization, not a source of truth.
func (c *BalanceCache) Set(ctx context.Context, userID uuid.UUID, balances *Balances) {
	data, err := json.Marshal(balances)
	if err != nil {
		c.logger.Warn("Failed to marshal balance for cache",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	if err := c.client.SetEx(ctx, balanceKeyPrefix+userID.String(), data, c.ttl).Err(); err != nil {
		c.logger.Debug("Failed to cache balance",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// Invalidate drops the cached entry after a mutation.
func (c *BalanceCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, balanceKeyPrefix+userID.String()).Err(); err != nil {
		return fmt.Errorf("failed to invalidate balance cache: %w", err)
	}
	return nil
}
