package oauth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const denylistKeyPrefix = "oauth:revoked:"

// Denylist tracks revoked access tokens by jti until they would have
// expired anyway. Revocation checks fail open when the store is down;
// access tokens are short-lived and a hard dependency here would turn
// every Redis blip into a full outage.
type Denylist struct {
	client *redis.Client
	logger *zap.Logger
}

func NewDenylist(client *redis.Client, logger *zap.Logger) *Denylist {
	return &Denylist{
		client: client,
		logger: logger,
	}
}

// Revoke marks a jti revoked for its remaining lifetime. Expired tokens
// need no entry.
func (d *Denylist) Revoke(ctx context.Context, jti string, remaining time.Duration) error {
	if jti == "" || remaining <= 0 {
		return nil
	}
	return d.client.Set(ctx, denylistKeyPrefix+jti, 1, remaining).Err()
}

// IsRevoked reports whether the jti has been revoked. Store errors read as
// not revoked.
func (d *Denylist) IsRevoked(ctx context.Context, jti string) bool {
	if jti == "" {
		return false
	}

	count, err := d.client.Exists(ctx, denylistKeyPrefix+jti).Result()
	if err != nil {
		d.logger.Warn("Revocation check unavailable, accepting token",
			zap.Error(err))
		return false
	}
	return count > 0
}
