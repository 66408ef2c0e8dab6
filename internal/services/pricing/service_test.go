package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/testutil"
)

func newTestLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logger, _ := config.Build()
	return logger
}

func newTestService(t *testing.T) (*Service, *gorm.DB, func()) {
	db, cleanup := testutil.NewTestDB(t)
	svc := NewService(&Config{
		DB:                db,
		Logger:            newTestLogger(),
		DefaultMultiplier: 1.9,
		CacheTTL:          time.Minute,
	})
	return svc, db, cleanup
}

func tierPtr(tier models.Tier) *models.Tier { return &tier }
func strPtr(s string) *string               { return &s }

func approvedMultiplier(m models.TierMultiplier) *models.TierMultiplier {
	now := time.Now()
	m.Status = models.MultiplierApproved
	m.IsActive = true
	m.ApprovedAt = &now
	m.ApprovedBy = strPtr("test")
	return &m
}

func TestService_Lookup_EffectiveDating(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	oldFrom := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	oldUntil := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)
	newFrom := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "openai", ModelName: "gpt-4o",
		InputPricePer1K: 0.005, OutputPricePer1K: 0.015,
		EffectiveFrom: oldFrom, EffectiveUntil: &oldUntil, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "openai", ModelName: "gpt-4o",
		InputPricePer1K: 0.0025, OutputPricePer1K: 0.010,
		EffectiveFrom: newFrom, IsActive: true,
	}).Error)

	t.Run("historical instant selects the superseded row", func(t *testing.T) {
		row, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, 0.005, row.InputPricePer1K)
	})

	t.Run("current instant selects the open row", func(t *testing.T) {
		row, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0.0025, row.InputPricePer1K)
	})

	t.Run("unknown model returns ErrNoPricing", func(t *testing.T) {
		_, err := svc.Lookup(ctx, "openai", "no-such-model", time.Now())
		assert.ErrorIs(t, err, ErrNoPricing)
	})

	t.Run("instant before any row returns ErrNoPricing", func(t *testing.T) {
		_, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
		assert.ErrorIs(t, err, ErrNoPricing)
	})
}

func TestService_Lookup_TieBreaksOnLargestID(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := models.VendorPricing{
		ProviderID: "anthropic", ModelName: "claude-sonnet-4",
		InputPricePer1K: 0.003, OutputPricePer1K: 0.015,
		EffectiveFrom: from, IsActive: true,
	}
	require.NoError(t, db.Create(&first).Error)

	second := models.VendorPricing{
		ProviderID: "anthropic", ModelName: "claude-sonnet-4",
		InputPricePer1K: 0.0033, OutputPricePer1K: 0.0165,
		EffectiveFrom: from, IsActive: true,
	}
	require.NoError(t, db.Create(&second).Error)
	require.Greater(t, second.ID, first.ID)

	row, err := svc.Lookup(ctx, "anthropic", "claude-sonnet-4", time.Now())
	require.NoError(t, err)
	assert.Equal(t, second.ID, row.ID)
}

func TestService_Lookup_SkipsInactiveRows(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "google", ModelName: "gemini-2.5-flash",
		InputPricePer1K: 0.0003, OutputPricePer1K: 0.0025,
		EffectiveFrom: from, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "google", ModelName: "gemini-2.5-flash",
		InputPricePer1K: 0.009, OutputPricePer1K: 0.09,
		EffectiveFrom: from.AddDate(0, 1, 0), IsActive: false,
	}).Error)

	row, err := svc.Lookup(ctx, "google", "gemini-2.5-flash", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0003, row.InputPricePer1K)
}

func TestService_ResolveMultiplier_Priority(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	rows := []*models.TierMultiplier{
		approvedMultiplier(models.TierMultiplier{
			Tier: tierPtr(models.TierPro), Provider: strPtr("anthropic"), Model: strPtr("claude-opus-4"),
			Multiplier: 1.4,
		}),
		approvedMultiplier(models.TierMultiplier{Model: strPtr("claude-opus-4"), Multiplier: 1.3}),
		approvedMultiplier(models.TierMultiplier{Provider: strPtr("anthropic"), Multiplier: 1.6}),
		approvedMultiplier(models.TierMultiplier{Tier: tierPtr(models.TierPro), Multiplier: 1.5}),
		// pending rows never take effect
		{Tier: tierPtr(models.TierFree), Multiplier: 1.2, Status: models.MultiplierPending},
	}
	for _, row := range rows {
		require.NoError(t, db.Create(row).Error)
	}

	t.Run("full scope wins", func(t *testing.T) {
		assert.Equal(t, 1.4, svc.ResolveMultiplier(ctx, models.TierPro, "anthropic", "claude-opus-4"))
	})

	t.Run("model beats provider", func(t *testing.T) {
		assert.Equal(t, 1.3, svc.ResolveMultiplier(ctx, models.TierFree, "anthropic", "claude-opus-4"))
	})

	t.Run("provider beats tier", func(t *testing.T) {
		assert.Equal(t, 1.6, svc.ResolveMultiplier(ctx, models.TierPro, "anthropic", "claude-sonnet-4"))
	})

	t.Run("tier matches when nothing narrower does", func(t *testing.T) {
		assert.Equal(t, 1.5, svc.ResolveMultiplier(ctx, models.TierPro, "openai", "gpt-4o"))
	})

	t.Run("pending rows fall through to the default", func(t *testing.T) {
		assert.Equal(t, 1.9, svc.ResolveMultiplier(ctx, models.TierFree, "openai", "gpt-4o"))
	})
}

func TestService_Quote_BucketAttribution(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "anthropic", ModelName: "claude-sonnet-4",
		InputPricePer1K: 0.003, OutputPricePer1K: 0.015,
		CacheWritePricePer1K: floatPtr(0.00375),
		CacheReadPricePer1K:  floatPtr(0.0003),
		EffectiveFrom:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:             true,
	}).Error)
	require.NoError(t, db.Create(approvedMultiplier(models.TierMultiplier{
		Tier: tierPtr(models.TierPro), Multiplier: 1.5,
	})).Error)

	quote, err := svc.Quote(ctx, models.TierPro, "anthropic", "claude-sonnet-4", Usage{
		InputTokens:     100,
		OutputTokens:    50,
		CacheReadTokens: 2000,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.5, quote.Multiplier)
	assert.Equal(t, int64(1), quote.CreditsUsed)

	// Bucket ceilings are for attribution; their sum may exceed the
	// total by at most one credit per non-empty bucket.
	bucketSum := quote.InputCredits + quote.OutputCredits + quote.CacheWriteCredits + quote.CacheReadCredits
	assert.GreaterOrEqual(t, bucketSum, quote.CreditsUsed)
	assert.LessOrEqual(t, bucketSum, quote.CreditsUsed+3)
	assert.Equal(t, int64(0), quote.CacheWriteCredits)
}

func TestService_Estimate_UsesContextSelection(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, db.Create(&models.VendorPricing{
		ProviderID: "google", ModelName: "gemini-2.5-pro",
		InputPricePer1K: 0.00125, OutputPricePer1K: 0.010,
		ContextThresholdTokens:      intPtr(200000),
		InputPricePer1KHighContext:  floatPtr(0.0025),
		OutputPricePer1KHighContext: floatPtr(0.015),
		EffectiveFrom:               time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:                    true,
	}).Error)

	low, err := svc.Estimate(ctx, "google", "gemini-2.5-pro", 1000, 100)
	require.NoError(t, err)
	assert.InDelta(t, 1000*0.00125/1000+100*0.010/1000, low, 1e-9)

	high, err := svc.Estimate(ctx, "google", "gemini-2.5-pro", 250000, 100)
	require.NoError(t, err)
	assert.InDelta(t, 250000*0.0025/1000+100*0.015/1000, high, 1e-9)

	credits, err := svc.EstimateCredits(ctx, models.TierFree, "google", "gemini-2.5-pro", 1000, 100)
	require.NoError(t, err)
	assert.Equal(t, Credits(low, 1.9), credits)
}

func TestService_InvalidateDropsCaches(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	row := models.VendorPricing{
		ProviderID: "openai", ModelName: "gpt-4o-mini",
		InputPricePer1K: 0.00015, OutputPricePer1K: 0.0006,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
	}
	require.NoError(t, db.Create(&row).Error)

	got, err := svc.Lookup(ctx, "openai", "gpt-4o-mini", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.00015, got.InputPricePer1K)

	require.NoError(t, db.Model(&models.VendorPricing{}).
		Where("id = ?", row.ID).
		Update("input_price_per_1k", 0.0002).Error)

	cached, err := svc.Lookup(ctx, "openai", "gpt-4o-mini", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.00015, cached.InputPricePer1K)

	svc.Invalidate()

	fresh, err := svc.Lookup(ctx, "openai", "gpt-4o-mini", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0002, fresh.InputPricePer1K)
}

func TestService_InvalidateModel_LeavesOthersWarm(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	targeted := models.VendorPricing{
		ProviderID: "openai", ModelName: "gpt-4o",
		InputPricePer1K: 0.005, OutputPricePer1K: 0.015,
		EffectiveFrom: from, IsActive: true,
	}
	bystander := models.VendorPricing{
		ProviderID: "anthropic", ModelName: "claude-sonnet-4",
		InputPricePer1K: 0.003, OutputPricePer1K: 0.015,
		EffectiveFrom: from, IsActive: true,
	}
	require.NoError(t, db.Create(&targeted).Error)
	require.NoError(t, db.Create(&bystander).Error)

	_, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Now())
	require.NoError(t, err)
	_, err = svc.Lookup(ctx, "anthropic", "claude-sonnet-4", time.Now())
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.VendorPricing{}).
		Where("id = ?", targeted.ID).
		Update("input_price_per_1k", 0.006).Error)
	require.NoError(t, db.Model(&models.VendorPricing{}).
		Where("id = ?", bystander.ID).
		Update("input_price_per_1k", 0.004).Error)

	svc.InvalidateModel("openai", "gpt-4o")

	fresh, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.006, fresh.InputPricePer1K)

	stale, err := svc.Lookup(ctx, "anthropic", "claude-sonnet-4", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.003, stale.InputPricePer1K)
}

func TestService_Refresh_ReresolvesCachedRows(t *testing.T) {
	svc, db, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	row := models.VendorPricing{
		ProviderID: "openai", ModelName: "gpt-4o",
		InputPricePer1K: 0.005, OutputPricePer1K: 0.015,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		IsActive:      true,
	}
	require.NoError(t, db.Create(&row).Error)

	_, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Now())
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.VendorPricing{}).
		Where("id = ?", row.ID).
		Update("input_price_per_1k", 0.007).Error)

	require.NoError(t, svc.Refresh(ctx))

	fresh, err := svc.Lookup(ctx, "openai", "gpt-4o", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.007, fresh.InputPricePer1K)
}
