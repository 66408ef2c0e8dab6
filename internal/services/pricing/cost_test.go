package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metergate/metergate/internal/models"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func gpt4oPricing() *models.VendorPricing {
	return &models.VendorPricing{
		ProviderID:       "openai",
		ModelName:        "gpt-4o",
		InputPricePer1K:  0.0025,
		OutputPricePer1K: 0.010,
		IsActive:         true,
	}
}

func claudeSonnetPricing() *models.VendorPricing {
	return &models.VendorPricing{
		ProviderID:           "anthropic",
		ModelName:            "claude-sonnet-4",
		InputPricePer1K:      0.003,
		OutputPricePer1K:     0.015,
		CacheWritePricePer1K: floatPtr(0.00375),
		CacheReadPricePer1K:  floatPtr(0.0003),
		IsActive:             true,
	}
}

func TestCost_UnaryHappyPath(t *testing.T) {
	b := Cost(gpt4oPricing(), Usage{InputTokens: 100, OutputTokens: 50})

	assert.InDelta(t, 2.5e-4, b.InputUSD, 1e-12)
	assert.InDelta(t, 5.0e-4, b.OutputUSD, 1e-12)
	assert.InDelta(t, 7.5e-4, b.TotalUSD, 1e-12)
	assert.Zero(t, b.CacheWriteUSD)
	assert.Zero(t, b.CacheReadUSD)
	assert.False(t, b.HighContext)

	assert.Equal(t, int64(1), Credits(b.TotalUSD, 1.5))
}

func TestCost_AnthropicCacheRead(t *testing.T) {
	b := Cost(claudeSonnetPricing(), Usage{
		InputTokens:     100,
		OutputTokens:    50,
		CacheReadTokens: 2000,
	})

	assert.InDelta(t, 3e-4, b.InputUSD, 1e-12)
	assert.InDelta(t, 7.5e-4, b.OutputUSD, 1e-12)
	assert.InDelta(t, 6e-4, b.CacheReadUSD, 1e-12)
	assert.InDelta(t, 1.65e-3, b.TotalUSD, 1e-12)

	assert.Equal(t, int64(1), Credits(b.TotalUSD, 1.5))
	assert.Greater(t, b.SavingsPercent, 70.0)
	assert.InDelta(t, 2000.0/2100.0, b.CacheHitRate, 1e-9)
}

func TestCost_AnthropicCacheWrite(t *testing.T) {
	b := Cost(claudeSonnetPricing(), Usage{
		InputTokens:         100,
		OutputTokens:        50,
		CacheCreationTokens: 2000,
	})

	assert.InDelta(t, 2000*0.00375/1000, b.CacheWriteUSD, 1e-12)
	assert.Zero(t, b.CacheReadUSD)
	assert.Zero(t, b.SavingsPercent)
}

func TestCost_CacheFallbackRates(t *testing.T) {
	bare := &models.VendorPricing{InputPricePer1K: 0.010, OutputPricePer1K: 0.030}

	t.Run("anthropic read defaults to 10% of input", func(t *testing.T) {
		b := Cost(bare, Usage{CacheReadTokens: 1000})
		assert.InDelta(t, 0.001, b.CacheReadUSD, 1e-12)
	})

	t.Run("openai cached prompt defaults to 50% of input", func(t *testing.T) {
		b := Cost(bare, Usage{CachedPromptTokens: 1000})
		assert.InDelta(t, 0.005, b.CacheReadUSD, 1e-12)
	})

	t.Run("google cached content defaults to 10% of input", func(t *testing.T) {
		b := Cost(bare, Usage{CachedContentTokens: 1000})
		assert.InDelta(t, 0.001, b.CacheReadUSD, 1e-12)
	})

	t.Run("cache write defaults to the input rate", func(t *testing.T) {
		b := Cost(bare, Usage{CacheCreationTokens: 1000})
		assert.InDelta(t, 0.010, b.CacheWriteUSD, 1e-12)
	})
}

func TestCost_HighContextThreshold(t *testing.T) {
	row := &models.VendorPricing{
		InputPricePer1K:             0.00125,
		OutputPricePer1K:            0.010,
		ContextThresholdTokens:      intPtr(200000),
		InputPricePer1KHighContext:  floatPtr(0.0025),
		OutputPricePer1KHighContext: floatPtr(0.015),
	}

	below := Cost(row, Usage{InputTokens: 200000, OutputTokens: 10})
	assert.False(t, below.HighContext)
	assert.InDelta(t, 200000*0.00125/1000, below.InputUSD, 1e-9)

	above := Cost(row, Usage{InputTokens: 200001, OutputTokens: 10})
	assert.True(t, above.HighContext)
	assert.InDelta(t, 200001*0.0025/1000, above.InputUSD, 1e-9)
	assert.InDelta(t, 10*0.015/1000, above.OutputUSD, 1e-12)
}

func TestCost_HighContextFallsBackToBaseColumns(t *testing.T) {
	row := &models.VendorPricing{
		InputPricePer1K:            0.001,
		OutputPricePer1K:           0.002,
		ContextThresholdTokens:     intPtr(1000),
		InputPricePer1KHighContext: floatPtr(0.003),
	}

	b := Cost(row, Usage{InputTokens: 2000, OutputTokens: 100})
	assert.True(t, b.HighContext)
	assert.InDelta(t, 2000*0.003/1000, b.InputUSD, 1e-12)
	assert.InDelta(t, 100*0.002/1000, b.OutputUSD, 1e-12)
}

func TestCost_CachedIsCheaperThanUncached(t *testing.T) {
	row := claudeSonnetPricing()
	usage := Usage{InputTokens: 500, OutputTokens: 200, CacheReadTokens: 10000}

	b := Cost(row, usage)
	hypothetical := float64(usage.TotalInputTokens())*row.InputPricePer1K/1000 + b.OutputUSD
	assert.Less(t, b.TotalUSD, hypothetical)
}

func TestCost_Determinism(t *testing.T) {
	row := claudeSonnetPricing()
	usage := Usage{InputTokens: 123, OutputTokens: 456, CacheReadTokens: 789}
	require.Equal(t, Cost(row, usage), Cost(row, usage))
}

func TestCredits_FloorAndCeiling(t *testing.T) {
	assert.Equal(t, int64(1), Credits(0, 1.5))
	assert.Equal(t, int64(1), Credits(1e-9, 1.0))
	assert.Equal(t, int64(1), Credits(7.5e-4, 1.5))
	assert.Equal(t, int64(2), Credits(0.02, 1.0))
	assert.Equal(t, int64(3), Credits(0.0201, 1.0))
	assert.Equal(t, int64(25), Credits(0.165, 1.5))
}

func TestBucketCredits_ZeroStaysZero(t *testing.T) {
	assert.Equal(t, int64(0), BucketCredits(0, 1.5))
	assert.Equal(t, int64(1), BucketCredits(1e-9, 1.5))
}
