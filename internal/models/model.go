package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Model is a catalog row for an upstream LLM. The meta document carries
// display hints and per-parameter constraints; lifecycle flags gate
// dispatch and listing.
type Model struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Provider    string `gorm:"index;not null" json:"provider"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`

	Capabilities    pq.StringArray `gorm:"type:text[]" json:"capabilities,omitempty"`
	ContextWindow   int            `json:"context_window"`
	MaxOutputTokens int            `json:"max_output_tokens"`

	Meta datatypes.JSON `gorm:"type:jsonb;index:idx_models_meta,type:gin" json:"meta,omitempty"`

	IsAvailable bool `gorm:"default:true;index" json:"is_available"`
	IsLegacy    bool `gorm:"default:false" json:"is_legacy"`
	IsArchived  bool `gorm:"default:false;index" json:"is_archived"`

	RequiredTier        Tier                `gorm:"type:varchar(32);default:'free';index" json:"required_tier"`
	TierRestrictionMode TierRestrictionMode `gorm:"type:varchar(16);default:'minimum'" json:"tier_restriction_mode"`
	AllowedTiers        pq.StringArray      `gorm:"type:text[]" json:"allowed_tiers,omitempty"`

	ReplacementModelID *string    `json:"replacement_model_id,omitempty"`
	DeprecationNotice  *string    `json:"deprecation_notice,omitempty"`
	SunsetDate         *time.Time `json:"sunset_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TierRestrictionMode string

const (
	TierModeMinimum   TierRestrictionMode = "minimum"
	TierModeExact     TierRestrictionMode = "exact"
	TierModeWhitelist TierRestrictionMode = "whitelist"
)

type AccessStatus string

const (
	AccessAllowed         AccessStatus = "allowed"
	AccessRestricted      AccessStatus = "restricted"
	AccessUpgradeRequired AccessStatus = "upgrade_required"
)

// AccessFor evaluates the model's tier restriction against a user tier.
func (m *Model) AccessFor(tier Tier) AccessStatus {
	switch m.TierRestrictionMode {
	case TierModeExact:
		if tier == m.RequiredTier {
			return AccessAllowed
		}
		return AccessRestricted
	case TierModeWhitelist:
		for _, allowed := range m.AllowedTiers {
			if Tier(allowed) == tier {
				return AccessAllowed
			}
		}
		return AccessRestricted
	default: // minimum
		if tier.AtLeast(m.RequiredTier) {
			return AccessAllowed
		}
		return AccessUpgradeRequired
	}
}

// Dispatchable reports whether inference may be sent to this model at all,
// independent of the caller's tier.
func (m *Model) Dispatchable() bool {
	return m.IsAvailable && !m.IsArchived
}

// LegacyInfo summarizes deprecation facts for listings. Nil unless the
// model is flagged legacy.
type LegacyInfo struct {
	ReplacementModelID *string    `json:"replacement_model_id,omitempty"`
	DeprecationNotice  *string    `json:"deprecation_notice,omitempty"`
	SunsetDate         *time.Time `json:"sunset_date,omitempty"`
}

func (m *Model) LegacyInfo() *LegacyInfo {
	if !m.IsLegacy {
		return nil
	}
	return &LegacyInfo{
		ReplacementModelID: m.ReplacementModelID,
		DeprecationNotice:  m.DeprecationNotice,
		SunsetDate:         m.SunsetDate,
	}
}

// ParameterConstraint is one entry of the meta parameterConstraints map.
// A nil Supported means the parameter is supported.
type ParameterConstraint struct {
	Supported             *bool         `json:"supported,omitempty"`
	Min                   *float64      `json:"min,omitempty"`
	Max                   *float64      `json:"max,omitempty"`
	Default               interface{}   `json:"default,omitempty"`
	AllowedValues         []interface{} `json:"allowedValues,omitempty"`
	MutuallyExclusiveWith []string      `json:"mutuallyExclusiveWith,omitempty"`
	AlternativeName       string        `json:"alternativeName,omitempty"`
	Reason                string        `json:"reason,omitempty"`
}

func (c *ParameterConstraint) IsSupported() bool {
	return c.Supported == nil || *c.Supported
}

// ModelMeta is the typed view of the meta jsonb document.
type ModelMeta struct {
	Display              map[string]interface{}         `json:"display,omitempty"`
	ParameterConstraints map[string]ParameterConstraint `json:"parameterConstraints,omitempty"`
	CustomParameters     map[string]ParameterConstraint `json:"customParameters,omitempty"`
}

// ParsedMeta decodes the meta document. An empty document yields a zero
// ModelMeta so callers never branch on nil.
func (m *Model) ParsedMeta() (ModelMeta, error) {
	var meta ModelMeta
	if len(m.Meta) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(m.Meta, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (m *Model) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
