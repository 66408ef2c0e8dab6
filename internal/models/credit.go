package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit is a subscription credit pool, one per billing period per user.
// At most one row per user has IsCurrent set; the pool expires with its
// period and is drained before any purchased credits.
type Credit struct {
	BaseModel
	UserID         uuid.UUID `gorm:"type:uuid;not null;index:idx_credits_user_current,priority:1" json:"user_id"`
	SubscriptionID string    `gorm:"index" json:"subscription_id"`

	BillingPeriodStart time.Time `gorm:"not null" json:"billing_period_start"`
	BillingPeriodEnd   time.Time `gorm:"not null;index" json:"billing_period_end"`

	TotalCredits int64 `gorm:"not null" json:"total_credits"`
	UsedCredits  int64 `gorm:"not null;default:0" json:"used_credits"`

	IsCurrent bool `gorm:"not null;default:false;index:idx_credits_user_current,priority:2" json:"is_current"`
}

func (Credit) TableName() string {
	return "credits"
}

func (c *Credit) Remaining() int64 {
	if r := c.TotalCredits - c.UsedCredits; r > 0 {
		return r
	}
	return 0
}

// PurchasedCredit is a one-time credit purchase. It never expires and is
// consumed oldest-first once the subscription pool is empty.
type PurchasedCredit struct {
	BaseModel
	UserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	PurchaseID string    `gorm:"uniqueIndex;not null" json:"purchase_id"`

	TotalCredits int64 `gorm:"not null" json:"total_credits"`
	UsedCredits  int64 `gorm:"not null;default:0" json:"used_credits"`
}

func (PurchasedCredit) TableName() string {
	return "credits_purchased"
}

func (c *PurchasedCredit) Remaining() int64 {
	if r := c.TotalCredits - c.UsedCredits; r > 0 {
		return r
	}
	return 0
}

// DebitEntry records which pool a deduction drew from, kept on the usage
// record so refunds can return credits to their source.
type DebitEntry struct {
	Pool    string    `json:"pool"` // "subscription" or "purchased"
	PoolID  uuid.UUID `json:"pool_id"`
	Credits int64     `json:"credits"`
}

const (
	PoolSubscription = "subscription"
	PoolPurchased    = "purchased"
)
