package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// UsageRecord is one append-only billing line. It is always written inside
// the same transaction as the credit deduction it accounts for.
type UsageRecord struct {
	BaseModel
	UserID    uuid.UUID `gorm:"type:uuid;not null;index:idx_usage_user_time,priority:1" json:"user_id"`
	ModelID   string    `gorm:"not null;index" json:"model_id"`
	Provider  string    `gorm:"index" json:"provider"`
	Operation Operation `gorm:"type:varchar(20);not null" json:"operation"`
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`

	// Token counts as normalized by the provider adapters.
	PromptTokens             int `json:"prompt_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CachedPromptTokens       int `json:"cached_prompt_tokens,omitempty"`
	CachedContentTokens      int `json:"cached_content_tokens,omitempty"`

	// Billing outcome.
	CreditsUsed      int64   `gorm:"not null" json:"credits_used"`
	VendorCostUSD    float64 `json:"vendor_cost_usd"`
	MarginMultiplier float64 `json:"margin_multiplier"`
	GrossMarginUSD   float64 `json:"gross_margin_usd"`

	// Per-bucket credit attribution (display only; the sum may exceed
	// CreditsUsed by at most one per bucket due to per-bucket ceilings).
	InputCredits      int64 `json:"input_credits"`
	OutputCredits     int64 `json:"output_credits"`
	CacheWriteCredits int64 `json:"cache_write_credits"`
	CacheReadCredits  int64 `json:"cache_read_credits"`

	CacheHitRate       float64 `json:"cache_hit_rate"`
	CostSavingsPercent float64 `json:"cost_savings_percent"`

	FinishReason string         `json:"finish_reason,omitempty"`
	Refunded     bool           `gorm:"default:false" json:"refunded"`
	DebitTrail   datatypes.JSON `json:"debit_trail,omitempty"`

	ExecutedAt time.Time `gorm:"not null;index:idx_usage_user_time,priority:2;index:idx_usage_day" json:"executed_at"`
	DurationMs int64     `json:"duration_ms"`
}

func (UsageRecord) TableName() string {
	return "usage_history"
}

type Operation string

const (
	OperationCompletion   Operation = "completion"
	OperationChat         Operation = "chat"
	OperationEmbedding    Operation = "embedding"
	OperationFunctionCall Operation = "function_call"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCompletion, OperationChat, OperationEmbedding, OperationFunctionCall:
		return true
	}
	return false
}

// CachedTokens returns whichever cache-read bucket the provider reported.
func (u *UsageRecord) CachedTokens() int {
	switch {
	case u.CacheReadInputTokens > 0:
		return u.CacheReadInputTokens
	case u.CachedPromptTokens > 0:
		return u.CachedPromptTokens
	default:
		return u.CachedContentTokens
	}
}

// UsageSummary aggregates a filtered usage listing.
type UsageSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCredits     int64   `json:"total_credits"`
	TotalVendorCost  float64 `json:"total_vendor_cost_usd"`
	TotalCacheReads  int64   `json:"total_cache_read_tokens"`
	AvgCacheHitRate  float64 `json:"avg_cache_hit_rate"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	CanceledRequests int64   `json:"canceled_requests"`
}

// UsageBucket is one row of a grouped stats query (by day, hour, or model).
type UsageBucket struct {
	Bucket           string  `json:"bucket"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CreditsUsed      int64   `json:"credits_used"`
	VendorCostUSD    float64 `json:"vendor_cost_usd"`
}

// ReconciliationRecord flags usage that could not be charged after the
// response was already committed to the client. A worker retries these
// out-of-band; it is the only sanctioned relaxation of exactly-once
// billing.
type ReconciliationRecord struct {
	BaseModel
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	RequestID string    `gorm:"uniqueIndex;not null" json:"request_id"`
	ModelID   string    `json:"model_id"`
	Provider  string    `json:"provider"`
	Operation Operation `gorm:"type:varchar(20)" json:"operation"`

	Credits       int64          `gorm:"not null" json:"credits"`
	VendorCostUSD float64        `json:"vendor_cost_usd"`
	UsageSnapshot datatypes.JSON `json:"usage_snapshot,omitempty"`

	Reason     string               `json:"reason"`
	Status     ReconciliationStatus `gorm:"type:varchar(16);default:'pending';index" json:"status"`
	Attempts   int                  `gorm:"default:0" json:"attempts"`
	LastError  string               `json:"last_error,omitempty"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty"`
}

func (ReconciliationRecord) TableName() string {
	return "reconciliation_records"
}

type ReconciliationStatus string

const (
	ReconciliationPending   ReconciliationStatus = "pending"
	ReconciliationResolved  ReconciliationStatus = "resolved"
	ReconciliationAbandoned ReconciliationStatus = "abandoned"
)
