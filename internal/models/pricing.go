package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// VendorPricing is one append-only pricing row. At most one row is active
// for a (provider, model, instant); lookups take the row with the largest
// EffectiveFrom at or before the instant whose EffectiveUntil is open or in
// the future, breaking ties on largest ID.
type VendorPricing struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ProviderID string `gorm:"not null;index:idx_pricing_lookup,priority:1" json:"provider_id"`
	ModelName  string `gorm:"not null;index:idx_pricing_lookup,priority:2" json:"model_name"`

	InputPricePer1K  float64 `gorm:"column:input_price_per_1k;not null" json:"input_price_per_1k"`
	OutputPricePer1K float64 `gorm:"column:output_price_per_1k;not null" json:"output_price_per_1k"`

	CacheWritePricePer1K *float64 `gorm:"column:cache_write_price_per_1k" json:"cache_write_price_per_1k,omitempty"`
	CacheReadPricePer1K  *float64 `gorm:"column:cache_read_price_per_1k" json:"cache_read_price_per_1k,omitempty"`

	// Context-threshold pricing: once the prompt exceeds the threshold the
	// high-context columns price the whole request. Nil columns fall back
	// to the base columns.
	ContextThresholdTokens          *int     `json:"context_threshold_tokens,omitempty"`
	InputPricePer1KHighContext      *float64 `gorm:"column:input_price_per_1k_high_context" json:"input_price_per_1k_high_context,omitempty"`
	OutputPricePer1KHighContext     *float64 `gorm:"column:output_price_per_1k_high_context" json:"output_price_per_1k_high_context,omitempty"`
	CacheWritePricePer1KHighContext *float64 `gorm:"column:cache_write_price_per_1k_high_context" json:"cache_write_price_per_1k_high_context,omitempty"`
	CacheReadPricePer1KHighContext  *float64 `gorm:"column:cache_read_price_per_1k_high_context" json:"cache_read_price_per_1k_high_context,omitempty"`

	EffectiveFrom  time.Time  `gorm:"not null;index:idx_pricing_lookup,priority:3" json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	IsActive       bool       `gorm:"default:true" json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
}

func (VendorPricing) TableName() string {
	return "model_provider_pricing"
}

// Covers reports whether this row applies at the given instant.
func (p *VendorPricing) Covers(at time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.EffectiveFrom.After(at) {
		return false
	}
	return p.EffectiveUntil == nil || !p.EffectiveUntil.Before(at)
}

// TierMultiplier converts vendor cost into customer price. Rows take
// effect only once approved; scope columns are nullable and resolved by
// (tier,provider,model) > (model) > (provider) > (tier) priority.
type TierMultiplier struct {
	BaseModel
	Tier     *Tier   `gorm:"type:varchar(32);index" json:"tier,omitempty"`
	Provider *string `gorm:"index" json:"provider,omitempty"`
	Model    *string `gorm:"index" json:"model,omitempty"`

	Multiplier float64          `gorm:"not null" json:"multiplier"`
	Status     MultiplierStatus `gorm:"type:varchar(16);default:'pending'" json:"status"`
	IsActive   bool             `gorm:"default:false" json:"is_active"`

	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy *string    `json:"approved_by,omitempty"`
}

type MultiplierStatus string

const (
	MultiplierPending  MultiplierStatus = "pending"
	MultiplierApproved MultiplierStatus = "approved"
)

func (m *TierMultiplier) BeforeSave(tx *gorm.DB) error {
	if m.Multiplier < 1.0 || m.Multiplier > 3.0 {
		return fmt.Errorf("multiplier %.3f outside [1.0, 3.0]", m.Multiplier)
	}
	return nil
}

// Effective reports whether the row participates in resolution.
func (m *TierMultiplier) Effective() bool {
	return m.Status == MultiplierApproved && m.IsActive
}
