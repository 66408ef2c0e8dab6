package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

var ErrNoPricing = errors.New("no pricing for model")

// Service resolves pricing rows and tier multipliers and converts usage
// into credits. Lookups are served from process-local caches with a short
// TTL; admin writes call Invalidate.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger

	defaultMultiplier float64
	cacheTTL          time.Duration

	mu          sync.RWMutex
	pricing     map[string]pricingEntry
	multipliers map[string]multiplierEntry

	now func() time.Time
}

type pricingEntry struct {
	row       *models.VendorPricing
	fetchedAt time.Time
}

type multiplierEntry struct {
	value     float64
	fetchedAt time.Time
}

type Config struct {
	DB                *gorm.DB
	Logger            *zap.Logger
	DefaultMultiplier float64
	CacheTTL          time.Duration
}

func NewService(config *Config) *Service {
	if config.DefaultMultiplier == 0 {
		config.DefaultMultiplier = 1.5
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}

	return &Service{
		db:                config.DB,
		logger:            config.Logger,
		defaultMultiplier: config.DefaultMultiplier,
		cacheTTL:          config.CacheTTL,
		pricing:           make(map[string]pricingEntry),
		multipliers:       make(map[string]multiplierEntry),
		now:               time.Now,
	}
}

// Lookup returns the pricing row in force for (provider, model) at the
// given instant: the row with the largest effectiveFrom at or before it
// whose effectiveUntil is open or later, ties broken by largest id.
func (s *Service) Lookup(ctx context.Context, providerID, modelName string, at time.Time) (*models.VendorPricing, error) {
	key := providerID + "/" + modelName

	s.mu.RLock()
	entry, ok := s.pricing[key]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.fetchedAt) < s.cacheTTL && entry.row.Covers(at) {
		return entry.row, nil
	}

	var row models.VendorPricing
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND model_name = ? AND is_active = ?", providerID, modelName, true).
		Where("effective_from <= ?", at).
		Where("effective_until IS NULL OR effective_until >= ?", at).
		Order("effective_from DESC").
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoPricing
		}
		return nil, err
	}

	s.mu.Lock()
	s.pricing[key] = pricingEntry{row: &row, fetchedAt: s.now()}
	s.mu.Unlock()

	return &row, nil
}

// ResolveMultiplier picks the approved multiplier with the most specific
// scope: (tier,provider,model), then (model), then (provider), then
// (tier). Unmatched lookups use the configured default.
func (s *Service) ResolveMultiplier(ctx context.Context, tier models.Tier, providerID, modelName string) float64 {
	key := fmt.Sprintf("%s|%s|%s", tier, providerID, modelName)

	s.mu.RLock()
	entry, ok := s.multipliers[key]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.fetchedAt) < s.cacheTTL {
		return entry.value
	}

	var rows []models.TierMultiplier
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", models.MultiplierApproved, true).
		Where(s.db.
			Where("tier = ? AND provider = ? AND model = ?", tier, providerID, modelName).
			Or("tier IS NULL AND provider IS NULL AND model = ?", modelName).
			Or("tier IS NULL AND provider = ? AND model IS NULL", providerID).
			Or("tier = ? AND provider IS NULL AND model IS NULL", tier)).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		s.logger.Warn("Multiplier lookup failed, using default",
			zap.String("provider", providerID),
			zap.String("model", modelName),
			zap.Error(err))
		return s.defaultMultiplier
	}

	value := s.defaultMultiplier
	best := -1
	for i := range rows {
		if rank := scopeRank(&rows[i]); rank > best {
			best = rank
			value = rows[i].Multiplier
		}
	}

	s.mu.Lock()
	s.multipliers[key] = multiplierEntry{value: value, fetchedAt: s.now()}
	s.mu.Unlock()

	return value
}

// scopeRank orders rows by specificity. The query only returns the four
// recognized scope shapes, so shape alone decides.
func scopeRank(r *models.TierMultiplier) int {
	switch {
	case r.Tier != nil && r.Provider != nil && r.Model != nil:
		return 4
	case r.Tier == nil && r.Provider == nil && r.Model != nil:
		return 3
	case r.Tier == nil && r.Provider != nil && r.Model == nil:
		return 2
	case r.Tier != nil && r.Provider == nil && r.Model == nil:
		return 1
	default:
		return 0
	}
}

// Quote prices real usage at the current instant and converts it to
// credits for the tier.
type Quote struct {
	Breakdown
	Multiplier  float64
	CreditsUsed int64

	InputCredits      int64
	OutputCredits     int64
	CacheWriteCredits int64
	CacheReadCredits  int64

	PricingID uint
}

func (s *Service) Quote(ctx context.Context, tier models.Tier, providerID, modelName string, usage Usage) (*Quote, error) {
	row, err := s.Lookup(ctx, providerID, modelName, s.now())
	if err != nil {
		return nil, err
	}

	breakdown := Cost(row, usage)
	multiplier := s.ResolveMultiplier(ctx, tier, providerID, modelName)

	return &Quote{
		Breakdown:         breakdown,
		Multiplier:        multiplier,
		CreditsUsed:       Credits(breakdown.TotalUSD, multiplier),
		InputCredits:      BucketCredits(breakdown.InputUSD, multiplier),
		OutputCredits:     BucketCredits(breakdown.OutputUSD, multiplier),
		CacheWriteCredits: BucketCredits(breakdown.CacheWriteUSD, multiplier),
		CacheReadCredits:  BucketCredits(breakdown.CacheReadUSD, multiplier),
		PricingID:         row.ID,
	}, nil
}

// Estimate prices a hypothetical request for the pre-flight balance
// check. Cache fields are unknown ahead of dispatch and excluded.
func (s *Service) Estimate(ctx context.Context, providerID, modelName string, inputTokens, outputTokens int) (float64, error) {
	row, err := s.Lookup(ctx, providerID, modelName, s.now())
	if err != nil {
		return 0, err
	}

	b := Cost(row, Usage{InputTokens: inputTokens, OutputTokens: outputTokens})
	return b.TotalUSD, nil
}

// EstimateCredits is Estimate expressed in credits for a tier.
func (s *Service) EstimateCredits(ctx context.Context, tier models.Tier, providerID, modelName string, inputTokens, outputTokens int) (int64, error) {
	cost, err := s.Estimate(ctx, providerID, modelName, inputTokens, outputTokens)
	if err != nil {
		return 0, err
	}
	return Credits(cost, s.ResolveMultiplier(ctx, tier, providerID, modelName)), nil
}

// Invalidate drops both caches. Admin pricing and multiplier writes call
// this so changes take effect without waiting out the TTL.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.pricing = make(map[string]pricingEntry)
	s.multipliers = make(map[string]multiplierEntry)
	s.mu.Unlock()
}

// InvalidateModel drops the cached pricing row and multipliers for one
// model, leaving the rest of the cache warm.
func (s *Service) InvalidateModel(providerID, modelName string) {
	key := providerID + "/" + modelName
	suffix := "|" + providerID + "|" + modelName

	s.mu.Lock()
	delete(s.pricing, key)
	for k := range s.multipliers {
		if strings.HasSuffix(k, suffix) {
			delete(s.multipliers, k)
		}
	}
	s.mu.Unlock()
}

// Refresh re-resolves every cached pricing row and drops the multiplier
// cache, for callers that just finished a bulk pricing import. A model
// whose rows were deactivated falls out of the cache silently.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.pricing))
	for key := range s.pricing {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	s.pricing = make(map[string]pricingEntry, len(keys))
	s.multipliers = make(map[string]multiplierEntry)
	s.mu.Unlock()

	for _, key := range keys {
		provider, model, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		if _, err := s.Lookup(ctx, provider, model, s.now()); err != nil && !errors.Is(err, ErrNoPricing) {
			return err
		}
	}
	return nil
}
