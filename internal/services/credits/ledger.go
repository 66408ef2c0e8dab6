package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

var (
	ErrInvalidAmount   = errors.New("credit amount must be positive")
	ErrUsageNotFound   = errors.New("usage record not found")
	ErrAlreadyRefunded = errors.New("usage record already refunded")
)

// InsufficientCreditsError reports a failed balance check together with
// the shortfall the client has to top up.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

// PoolBalance is one side of a user's balance.
type PoolBalance struct {
	Remaining int64      `json:"remaining"`
	Total     int64      `json:"total"`
	PeriodEnd *time.Time `json:"periodEnd,omitempty"`
}

// Balances is the detailed view returned by the credits endpoints and by
// every deduction.
type Balances struct {
	Subscription   PoolBalance `json:"subscription"`
	Purchased      PoolBalance `json:"purchased"`
	TotalAvailable int64       `json:"totalAvailable"`
	LastUpdated    time.Time   `json:"lastUpdated"`
}

// DeductMeta carries everything the usage record needs beyond the credit
// amount. The orchestrator fills it from the pricing quote and the
// provider's reported usage.
type DeductMeta struct {
	RequestID string           `json:"request_id"`
	ModelID   string           `json:"model_id"`
	Provider  string           `json:"provider"`
	Operation models.Operation `json:"operation"`

	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CachedPromptTokens  int `json:"cached_prompt_tokens,omitempty"`
	CachedContentTokens int `json:"cached_content_tokens,omitempty"`

	VendorCostUSD      float64 `json:"vendor_cost_usd"`
	Multiplier         float64 `json:"multiplier"`
	InputCredits       int64   `json:"input_credits"`
	OutputCredits      int64   `json:"output_credits"`
	CacheWriteCredits  int64   `json:"cache_write_credits"`
	CacheReadCredits   int64   `json:"cache_read_credits"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	CostSavingsPercent float64 `json:"cost_savings_percent"`

	FinishReason string    `json:"finish_reason,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// Ledger owns all credit balance mutations. Every mutation runs in a
// single transaction with the affected pool rows locked, so concurrent
// requests by the same user are charged in some serial order.
type Ledger struct {
	db        *gorm.DB
	logger    *zap.Logger
	cache     *BalanceCache
	txTimeout time.Duration
	now       func() time.Time
}

type Config struct {
	DB     *gorm.DB
	Logger *zap.Logger
	// Cache is optional; without it every read hits the database.
	Cache     *BalanceCache
	TxTimeout time.Duration
}

func NewLedger(config *Config) *Ledger {
	if config.TxTimeout == 0 {
		config.TxTimeout = 15 * time.Second
	}

	return &Ledger{
		db:        config.DB,
		logger:    config.Logger,
		cache:     config.Cache,
		txTimeout: config.TxTimeout,
		now:       time.Now,
	}
}

// GetDetailed returns both pool balances. Reads go through the balance
// cache when one is configured.
func (l *Ledger) GetDetailed(ctx context.Context, userID uuid.UUID) (*Balances, error) {
	if l.cache != nil {
		if cached, err := l.cache.Get(ctx, userID); err == nil && cached != nil {
			return cached, nil
		}
	}

	balances, err := l.readBalances(ctx, l.db, userID)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		l.cache.Set(ctx, userID, balances)
	}

	return balances, nil
}

// HasAvailable reports whether the user's combined pools cover n credits.
func (l *Ledger) HasAvailable(ctx context.Context, userID uuid.UUID, n int64) (bool, error) {
	balances, err := l.GetDetailed(ctx, userID)
	if err != nil {
		return false, err
	}
	return balances.TotalAvailable >= n, nil
}

func (l *Ledger) readBalances(ctx context.Context, db *gorm.DB, userID uuid.UUID) (*Balances, error) {
	now := l.now()
	balances := &Balances{LastUpdated: now}

	var sub models.Credit
	err := db.WithContext(ctx).
		Where("user_id = ? AND is_current = ? AND billing_period_end >= ?", userID, true, now).
		First(&sub).Error
	switch {
	case err == nil:
		periodEnd := sub.BillingPeriodEnd
		balances.Subscription = PoolBalance{
			Remaining: sub.Remaining(),
			Total:     sub.TotalCredits,
			PeriodEnd: &periodEnd,
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no active subscription pool
	default:
		return nil, err
	}

	var purchased struct {
		Remaining int64
		Total     int64
	}
	err = db.WithContext(ctx).Model(&models.PurchasedCredit{}).
		Select("COALESCE(SUM(total_credits - used_credits), 0) AS remaining, COALESCE(SUM(total_credits), 0) AS total").
		Where("user_id = ?", userID).
		Scan(&purchased).Error
	if err != nil {
		return nil, err
	}

	balances.Purchased = PoolBalance{Remaining: purchased.Remaining, Total: purchased.Total}
	balances.TotalAvailable = balances.Subscription.Remaining + balances.Purchased.Remaining

	return balances, nil
}

// Deduct atomically takes n credits from the user's pools and writes the
// usage record in the same transaction. The subscription pool drains
// first, then purchased pools oldest-first. If the locked rows cannot
// cover n the transaction aborts without recording anything.
func (l *Ledger) Deduct(ctx context.Context, userID uuid.UUID, n int64, meta *DeductMeta) (*Balances, error) {
	if n <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, cancel := context.WithTimeout(ctx, l.txTimeout)
	defer cancel()

	var balances *Balances
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()

		// Lock the row to prevent race conditions
		var sub models.Credit
		if err := tx.Raw(
			"SELECT * FROM credits WHERE user_id = ? AND is_current FOR UPDATE", userID,
		).Scan(&sub).Error; err != nil {
			return err
		}

		var pools []models.PurchasedCredit
		if err := tx.Raw(
			"SELECT * FROM credits_purchased WHERE user_id = ? AND used_credits < total_credits ORDER BY created_at ASC FOR UPDATE", userID,
		).Scan(&pools).Error; err != nil {
			return err
		}

		subRemaining := int64(0)
		subUsable := sub.ID != uuid.Nil && !sub.BillingPeriodEnd.Before(now)
		if subUsable {
			subRemaining = sub.Remaining()
		}

		purchasedRemaining := int64(0)
		for i := range pools {
			purchasedRemaining += pools[i].Remaining()
		}

		available := subRemaining + purchasedRemaining
		if available < n {
			return &InsufficientCreditsError{Required: n, Available: available}
		}

		trail := make([]models.DebitEntry, 0, 2)
		left := n

		if subUsable && subRemaining > 0 {
			take := min(left, subRemaining)
			if err := tx.Model(&models.Credit{}).Where("id = ?", sub.ID).
				Update("used_credits", gorm.Expr("used_credits + ?", take)).Error; err != nil {
				return err
			}
			trail = append(trail, models.DebitEntry{Pool: models.PoolSubscription, PoolID: sub.ID, Credits: take})
			subRemaining -= take
			left -= take
		}

		for i := range pools {
			if left == 0 {
				break
			}
			take := min(left, pools[i].Remaining())
			if take == 0 {
				continue
			}
			if err := tx.Model(&models.PurchasedCredit{}).Where("id = ?", pools[i].ID).
				Update("used_credits", gorm.Expr("used_credits + ?", take)).Error; err != nil {
				return err
			}
			trail = append(trail, models.DebitEntry{Pool: models.PoolPurchased, PoolID: pools[i].ID, Credits: take})
			purchasedRemaining -= take
			left -= take
		}

		record, err := l.buildUsageRecord(userID, n, meta, trail, now)
		if err != nil {
			return err
		}
		if err := tx.Create(record).Error; err != nil {
			return err
		}

		periodEnd := sub.BillingPeriodEnd
		balances = &Balances{
			Purchased:      PoolBalance{Remaining: purchasedRemaining},
			TotalAvailable: subRemaining + purchasedRemaining,
			LastUpdated:    now,
		}
		if subUsable {
			balances.Subscription = PoolBalance{
				Remaining: subRemaining,
				Total:     sub.TotalCredits,
				PeriodEnd: &periodEnd,
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.invalidate(ctx, userID)
	return balances, nil
}

func (l *Ledger) buildUsageRecord(userID uuid.UUID, n int64, meta *DeductMeta, trail []models.DebitEntry, now time.Time) (*models.UsageRecord, error) {
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal debit trail: %w", err)
	}

	executedAt := meta.ExecutedAt
	if executedAt.IsZero() {
		executedAt = now
	}

	return &models.UsageRecord{
		UserID:    userID,
		ModelID:   meta.ModelID,
		Provider:  meta.Provider,
		Operation: meta.Operation,
		RequestID: meta.RequestID,

		PromptTokens:             meta.PromptTokens,
		CompletionTokens:         meta.CompletionTokens,
		TotalTokens:              meta.PromptTokens + meta.CompletionTokens,
		CacheCreationInputTokens: meta.CacheCreationTokens,
		CacheReadInputTokens:     meta.CacheReadTokens,
		CachedPromptTokens:       meta.CachedPromptTokens,
		CachedContentTokens:      meta.CachedContentTokens,

		CreditsUsed:      n,
		VendorCostUSD:    meta.VendorCostUSD,
		MarginMultiplier: meta.Multiplier,
		GrossMarginUSD:   float64(n)/100 - meta.VendorCostUSD,

		InputCredits:      meta.InputCredits,
		OutputCredits:     meta.OutputCredits,
		CacheWriteCredits: meta.CacheWriteCredits,
		CacheReadCredits:  meta.CacheReadCredits,

		CacheHitRate:       meta.CacheHitRate,
		CostSavingsPercent: meta.CostSavingsPercent,

		FinishReason: meta.FinishReason,
		DebitTrail:   trailJSON,

		ExecutedAt: executedAt,
		DurationMs: meta.DurationMs,
	}, nil
}

// Allocate opens a new subscription pool for the billing period and
// retires the previous current pool.
func (l *Ledger) Allocate(ctx context.Context, userID uuid.UUID, subscriptionID string, amount int64, periodStart, periodEnd time.Time) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Credit{}).
			Where("user_id = ? AND is_current = ?", userID, true).
			Update("is_current", false).Error; err != nil {
			return err
		}

		return tx.Create(&models.Credit{
			UserID:             userID,
			SubscriptionID:     subscriptionID,
			BillingPeriodStart: periodStart,
			BillingPeriodEnd:   periodEnd,
			TotalCredits:       amount,
			IsCurrent:          true,
		}).Error
	})
	if err != nil {
		return err
	}

	l.invalidate(ctx, userID)
	return nil
}

// AddPurchased records a one-time credit purchase.
func (l *Ledger) AddPurchased(ctx context.Context, userID uuid.UUID, purchaseID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := l.db.WithContext(ctx).Create(&models.PurchasedCredit{
		UserID:       userID,
		PurchaseID:   purchaseID,
		TotalCredits: amount,
	}).Error
	if err != nil {
		return err
	}

	l.invalidate(ctx, userID)
	return nil
}

// Refund returns a usage record's credits to the pools they were drawn
// from. Pools that no longer exist are compensated with a purchased
// grant instead.
func (l *Ledger) Refund(ctx context.Context, userID, usageID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, l.txTimeout)
	defer cancel()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.UsageRecord
		if err := tx.Raw(
			"SELECT * FROM usage_history WHERE id = ? AND user_id = ? FOR UPDATE", usageID, userID,
		).Scan(&record).Error; err != nil {
			return err
		}
		if record.ID == uuid.Nil {
			return ErrUsageNotFound
		}
		if record.Refunded {
			return ErrAlreadyRefunded
		}

		var trail []models.DebitEntry
		if len(record.DebitTrail) > 0 {
			if err := json.Unmarshal(record.DebitTrail, &trail); err != nil {
				return fmt.Errorf("failed to decode debit trail: %w", err)
			}
		}

		orphaned := record.CreditsUsed
		for _, entry := range trail {
			var res *gorm.DB
			switch entry.Pool {
			case models.PoolSubscription:
				res = tx.Model(&models.Credit{}).
					Where("id = ? AND used_credits >= ?", entry.PoolID, entry.Credits).
					Update("used_credits", gorm.Expr("used_credits - ?", entry.Credits))
			case models.PoolPurchased:
				res = tx.Model(&models.PurchasedCredit{}).
					Where("id = ? AND used_credits >= ?", entry.PoolID, entry.Credits).
					Update("used_credits", gorm.Expr("used_credits - ?", entry.Credits))
			default:
				continue
			}
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				orphaned -= entry.Credits
			}
		}

		// Whatever could not go back to its source pool becomes a
		// purchased grant so the user is made whole.
		if orphaned > 0 {
			if err := tx.Create(&models.PurchasedCredit{
				UserID:       userID,
				PurchaseID:   "refund:" + usageID.String(),
				TotalCredits: orphaned,
			}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.UsageRecord{}).
			Where("id = ?", record.ID).
			Update("refunded", true).Error
	})
	if err != nil {
		return err
	}

	l.invalidate(ctx, userID)
	return nil
}

func (l *Ledger) invalidate(ctx context.Context, userID uuid.UUID) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, userID); err != nil {
		l.logger.Warn("Failed to invalidate balance cache",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}
