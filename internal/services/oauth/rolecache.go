package oauth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

const defaultRoleCacheTTL = 5 * time.Minute

// RoleCache answers "what role does this user hold" without a database
// round trip per request. Admin routes consult it when a token carries no
// admin scope; staleness up to the TTL means a demotion takes effect within
// five minutes, which is acceptable for this check.
type RoleCache struct {
	db  *gorm.DB
	ttl time.Duration

	mu      sync.RWMutex
	entries map[uuid.UUID]roleEntry

	now func() time.Time
}

type roleEntry struct {
	role      models.UserRole
	expiresAt time.Time
}

func NewRoleCache(db *gorm.DB, ttl time.Duration) *RoleCache {
	if ttl <= 0 {
		ttl = defaultRoleCacheTTL
	}
	return &RoleCache{
		db:      db,
		ttl:     ttl,
		entries: make(map[uuid.UUID]roleEntry),
		now:     time.Now,
	}
}

// Role returns the user's current role, from cache when fresh.
func (c *RoleCache) Role(ctx context.Context, userID uuid.UUID) (models.UserRole, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		return entry.role, nil
	}

	var user models.User
	err := c.db.WithContext(ctx).Select("role").First(&user, "id = ?", userID).Error
	if err != nil {
		return "", fmt.Errorf("failed to look up user role: %w", err)
	}

	c.mu.Lock()
	c.entries[userID] = roleEntry{
		role:      user.Role,
		expiresAt: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	return user.Role, nil
}

// Invalidate drops a user's cached role after an admin changes it.
func (c *RoleCache) Invalidate(userID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
