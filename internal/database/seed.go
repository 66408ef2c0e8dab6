package database

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

type Seeder struct {
	db *gorm.DB
}

func NewSeeder(db *gorm.DB) *Seeder {
	return &Seeder{db: db}
}

// SeedAll runs all seeders. Users are not seeded: they are provisioned on
// first login through the upstream identity provider.
func (s *Seeder) SeedAll() error {
	log.Println("Starting database seeding...")

	if err := s.SeedModels(); err != nil {
		return fmt.Errorf("failed to seed models: %w", err)
	}

	if err := s.SeedPricing(); err != nil {
		return fmt.Errorf("failed to seed pricing: %w", err)
	}

	if err := s.SeedTierMultipliers(); err != nil {
		return fmt.Errorf("failed to seed tier multipliers: %w", err)
	}

	if err := s.SeedOAuthClients(); err != nil {
		return fmt.Errorf("failed to seed oauth clients: %w", err)
	}

	log.Println("Database seeding completed successfully!")
	return nil
}

// SeedModels creates the default model catalog.
func (s *Seeder) SeedModels() error {
	log.Println("Seeding model catalog...")

	sunset := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	catalog := []models.Model{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			DisplayName:     "GPT-4o",
			Description:     "Flagship multimodal model",
			Capabilities:    []string{"chat", "completion", "function_call", "vision"},
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			IsAvailable:     true,
			RequiredTier:    models.TierFree,
			Meta: mustMeta(models.ModelMeta{
				ParameterConstraints: map[string]models.ParameterConstraint{
					"temperature": {Min: floatPtr(0), Max: floatPtr(2), Default: 1.0},
					"top_p":       {Min: floatPtr(0), Max: floatPtr(1)},
				},
			}),
		},
		{
			ID:              "gpt-4o-mini",
			Provider:        "openai",
			DisplayName:     "GPT-4o mini",
			Description:     "Cost-efficient small model",
			Capabilities:    []string{"chat", "completion", "function_call"},
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			IsAvailable:     true,
			RequiredTier:    models.TierFree,
		},
		{
			ID:                 "gpt-4-turbo",
			Provider:           "openai",
			DisplayName:        "GPT-4 Turbo",
			Description:        "Previous generation flagship",
			Capabilities:       []string{"chat", "completion", "function_call"},
			ContextWindow:      128000,
			MaxOutputTokens:    4096,
			IsAvailable:        true,
			IsLegacy:           true,
			RequiredTier:       models.TierFree,
			ReplacementModelID: strPtr("gpt-4o"),
			DeprecationNotice:  strPtr("gpt-4-turbo is deprecated; migrate to gpt-4o before the sunset date"),
			SunsetDate:         &sunset,
		},
		{
			ID:                  "o3-pro",
			Provider:            "openai",
			DisplayName:         "o3-pro",
			Description:         "High-effort reasoning model",
			Capabilities:        []string{"chat", "function_call", "reasoning"},
			ContextWindow:       200000,
			MaxOutputTokens:     100000,
			IsAvailable:         true,
			RequiredTier:        models.TierEnterprisePro,
			TierRestrictionMode: models.TierModeWhitelist,
			AllowedTiers: []string{
				string(models.TierEnterprisePro),
				string(models.TierEnterpriseMax),
				string(models.TierPerpetual),
			},
			Meta: mustMeta(models.ModelMeta{
				ParameterConstraints: map[string]models.ParameterConstraint{
					"temperature": {Supported: boolPtr(false), Reason: "reasoning models use a fixed sampling temperature"},
					"top_p":       {Supported: boolPtr(false), Reason: "reasoning models use a fixed sampling temperature"},
				},
			}),
		},
		{
			ID:              "claude-sonnet-4",
			Provider:        "anthropic",
			DisplayName:     "Claude Sonnet 4",
			Description:     "Balanced model with prompt caching",
			Capabilities:    []string{"chat", "function_call", "vision", "prompt_cache"},
			ContextWindow:   200000,
			MaxOutputTokens: 64000,
			IsAvailable:     true,
			RequiredTier:    models.TierFree,
			Meta: mustMeta(models.ModelMeta{
				ParameterConstraints: map[string]models.ParameterConstraint{
					"temperature": {Min: floatPtr(0), Max: floatPtr(1), MutuallyExclusiveWith: []string{"top_p"}},
				},
				CustomParameters: map[string]models.ParameterConstraint{
					"top_k": {Min: floatPtr(0), Max: floatPtr(500)},
				},
			}),
		},
		{
			ID:              "claude-opus-4",
			Provider:        "anthropic",
			DisplayName:     "Claude Opus 4",
			Description:     "Most capable model for complex work",
			Capabilities:    []string{"chat", "function_call", "vision", "prompt_cache"},
			ContextWindow:   200000,
			MaxOutputTokens: 32000,
			IsAvailable:     true,
			RequiredTier:    models.TierPro,
			Meta: mustMeta(models.ModelMeta{
				ParameterConstraints: map[string]models.ParameterConstraint{
					"temperature": {Min: floatPtr(0), Max: floatPtr(1), MutuallyExclusiveWith: []string{"top_p"}},
				},
				CustomParameters: map[string]models.ParameterConstraint{
					"top_k": {Min: floatPtr(0), Max: floatPtr(500)},
				},
			}),
		},
		{
			ID:              "gemini-2.5-flash",
			Provider:        "google",
			DisplayName:     "Gemini 2.5 Flash",
			Description:     "Fast model with a large context window",
			Capabilities:    []string{"chat", "function_call", "vision"},
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			IsAvailable:     true,
			RequiredTier:    models.TierFree,
			Meta: mustMeta(models.ModelMeta{
				CustomParameters: map[string]models.ParameterConstraint{
					"thinking_budget": {Min: floatPtr(0), Max: floatPtr(24576)},
				},
			}),
		},
		{
			ID:              "gemini-2.5-pro",
			Provider:        "google",
			DisplayName:     "Gemini 2.5 Pro",
			Description:     "Long-context model with threshold pricing",
			Capabilities:    []string{"chat", "function_call", "vision", "long_context"},
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			IsAvailable:     true,
			RequiredTier:    models.TierPro,
		},
	}

	for _, model := range catalog {
		var existing models.Model
		if err := s.db.Where("id = ?", model.ID).First(&existing).Error; err == nil {
			log.Printf("Model %s already exists, skipping...", model.ID)
			continue
		}

		if err := s.db.Create(&model).Error; err != nil {
			return fmt.Errorf("failed to create model %s: %w", model.ID, err)
		}
		log.Printf("Created model: %s", model.ID)
	}

	return nil
}

// SeedPricing creates the vendor pricing history. Prices are USD per 1K
// tokens. gpt-4o gets a superseded row so effective-date lookups have
// history to walk.
func (s *Seeder) SeedPricing() error {
	log.Println("Seeding vendor pricing...")

	current := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	previous := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)
	previousEnd := time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC)

	rows := []models.VendorPricing{
		{
			ProviderID: "openai", ModelName: "gpt-4o",
			InputPricePer1K: 0.005, OutputPricePer1K: 0.015,
			EffectiveFrom: previous, EffectiveUntil: &previousEnd, IsActive: true,
		},
		{
			ProviderID: "openai", ModelName: "gpt-4o",
			InputPricePer1K: 0.0025, OutputPricePer1K: 0.010,
			CacheReadPricePer1K: floatPtr(0.00125),
			EffectiveFrom:       current, IsActive: true,
		},
		{
			ProviderID: "openai", ModelName: "gpt-4o-mini",
			InputPricePer1K: 0.00015, OutputPricePer1K: 0.0006,
			CacheReadPricePer1K: floatPtr(0.000075),
			EffectiveFrom:       current, IsActive: true,
		},
		{
			ProviderID: "openai", ModelName: "gpt-4-turbo",
			InputPricePer1K: 0.01, OutputPricePer1K: 0.03,
			EffectiveFrom: current, IsActive: true,
		},
		{
			ProviderID: "openai", ModelName: "o3-pro",
			InputPricePer1K: 0.02, OutputPricePer1K: 0.08,
			EffectiveFrom: current, IsActive: true,
		},
		{
			ProviderID: "anthropic", ModelName: "claude-sonnet-4",
			InputPricePer1K: 0.003, OutputPricePer1K: 0.015,
			CacheWritePricePer1K: floatPtr(0.00375),
			CacheReadPricePer1K:  floatPtr(0.0003),
			EffectiveFrom:        current, IsActive: true,
		},
		{
			ProviderID: "anthropic", ModelName: "claude-opus-4",
			InputPricePer1K: 0.015, OutputPricePer1K: 0.075,
			CacheWritePricePer1K: floatPtr(0.01875),
			CacheReadPricePer1K:  floatPtr(0.0015),
			EffectiveFrom:        current, IsActive: true,
		},
		{
			ProviderID: "google", ModelName: "gemini-2.5-flash",
			InputPricePer1K: 0.0003, OutputPricePer1K: 0.0025,
			CacheReadPricePer1K: floatPtr(0.000075),
			EffectiveFrom:       current, IsActive: true,
		},
		{
			ProviderID: "google", ModelName: "gemini-2.5-pro",
			InputPricePer1K: 0.00125, OutputPricePer1K: 0.010,
			CacheReadPricePer1K:            floatPtr(0.00031),
			ContextThresholdTokens:         intPtr(200000),
			InputPricePer1KHighContext:     floatPtr(0.0025),
			OutputPricePer1KHighContext:    floatPtr(0.015),
			CacheReadPricePer1KHighContext: floatPtr(0.000625),
			EffectiveFrom:                  current, IsActive: true,
		},
	}

	for _, row := range rows {
		var existing models.VendorPricing
		err := s.db.Where("provider_id = ? AND model_name = ? AND effective_from = ?",
			row.ProviderID, row.ModelName, row.EffectiveFrom).First(&existing).Error
		if err == nil {
			continue
		}

		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create pricing for %s/%s: %w", row.ProviderID, row.ModelName, err)
		}
		log.Printf("Created pricing: %s/%s effective %s", row.ProviderID, row.ModelName, row.EffectiveFrom.Format("2006-01-02"))
	}

	return nil
}

// SeedTierMultipliers creates the default margin schedule. One row is left
// pending to exercise the approval gate.
func (s *Seeder) SeedTierMultipliers() error {
	log.Println("Seeding tier multipliers...")

	approvedAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	approved := func(m models.TierMultiplier) models.TierMultiplier {
		m.Status = models.MultiplierApproved
		m.IsActive = true
		m.ApprovedAt = &approvedAt
		m.ApprovedBy = strPtr("system")
		return m
	}

	multipliers := []models.TierMultiplier{
		approved(models.TierMultiplier{Tier: tierPtr(models.TierFree), Multiplier: 2.0}),
		approved(models.TierMultiplier{Tier: tierPtr(models.TierPro), Multiplier: 1.5}),
		approved(models.TierMultiplier{Tier: tierPtr(models.TierProMax), Multiplier: 1.4}),
		approved(models.TierMultiplier{Tier: tierPtr(models.TierEnterprisePro), Multiplier: 1.2}),
		approved(models.TierMultiplier{Tier: tierPtr(models.TierEnterpriseMax), Multiplier: 1.2}),
		approved(models.TierMultiplier{Tier: tierPtr(models.TierPerpetual), Multiplier: 1.1}),
		approved(models.TierMultiplier{Provider: strPtr("anthropic"), Multiplier: 1.6}),
		approved(models.TierMultiplier{Model: strPtr("gpt-4o-mini"), Multiplier: 1.3}),
		approved(models.TierMultiplier{
			Tier:       tierPtr(models.TierPro),
			Provider:   strPtr("anthropic"),
			Model:      strPtr("claude-opus-4"),
			Multiplier: 1.4,
		}),
		// Pending rows never resolve.
		{Tier: tierPtr(models.TierFree), Multiplier: 1.2, Status: models.MultiplierPending},
	}

	for _, m := range multipliers {
		var existing models.TierMultiplier
		query := s.db.Model(&models.TierMultiplier{})
		query = whereNullable(query, "tier", tierString(m.Tier))
		query = whereNullable(query, "provider", m.Provider)
		query = whereNullable(query, "model", m.Model)
		if err := query.Where("status = ?", m.Status).First(&existing).Error; err == nil {
			continue
		}

		if err := s.db.Create(&m).Error; err != nil {
			return fmt.Errorf("failed to create tier multiplier: %w", err)
		}
	}

	log.Println("Seeded tier multipliers")
	return nil
}

// SeedOAuthClients registers the first-party clients.
func (s *Seeder) SeedOAuthClients() error {
	log.Println("Seeding OAuth clients...")

	dashboardSecret := os.Getenv("DASHBOARD_CLIENT_SECRET")
	if dashboardSecret == "" {
		dashboardSecret = "dev-secret-change-me"
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(dashboardSecret), 12)
	if err != nil {
		return fmt.Errorf("failed to hash dashboard client secret: %w", err)
	}

	clients := []models.OAuthClient{
		{
			ClientID: "metergate-cli",
			Name:     "Metergate CLI",
			IsPublic: true,
			RedirectURIs: []string{
				"http://localhost:8085/callback",
				"http://127.0.0.1:8085/callback",
			},
			AllowedScopes: []string{"openid", "profile", "email", "models.read", "llm.inference", "user.info", "credits.read"},
		},
		{
			ClientID:   "metergate-dashboard",
			Name:       "Metergate Dashboard",
			IsPublic:   false,
			SecretHash: strPtr(string(hash)),
			RedirectURIs: []string{
				"http://localhost:3000/auth/callback",
			},
			AllowedScopes: []string{"openid", "profile", "email", "models.read", "llm.inference", "user.info", "credits.read", "admin"},
		},
	}

	for _, client := range clients {
		var existing models.OAuthClient
		if err := s.db.Where("client_id = ?", client.ClientID).First(&existing).Error; err == nil {
			log.Printf("OAuth client %s already exists, skipping...", client.ClientID)
			continue
		}

		if err := s.db.Create(&client).Error; err != nil {
			return fmt.Errorf("failed to create oauth client %s: %w", client.ClientID, err)
		}
		log.Printf("Created OAuth client: %s", client.ClientID)
	}

	return nil
}

func whereNullable(db *gorm.DB, column string, value *string) *gorm.DB {
	if value == nil {
		return db.Where(column + " IS NULL")
	}
	return db.Where(column+" = ?", *value)
}

func mustMeta(meta models.ModelMeta) datatypes.JSON {
	data, err := json.Marshal(meta)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(data)
}

func tierPtr(t models.Tier) *models.Tier { return &t }

func tierString(t *models.Tier) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }
