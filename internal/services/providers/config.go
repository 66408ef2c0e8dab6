package providers

import "time"

// ProviderConfig configures one upstream vendor connection.
type ProviderConfig struct {
	Type             string        `mapstructure:"type"`
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	APIVersion       string        `mapstructure:"api_version"`
	OrgID            string        `mapstructure:"org_id"`
	Enabled          bool          `mapstructure:"enabled"`
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}
