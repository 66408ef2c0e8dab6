// Package usage serves read-side queries over usage history: paginated
// listings with an aggregate summary, and grouped statistics for the
// stats endpoint. All writes happen in the credits ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

// ErrBadFilter marks a filter the caller assembled wrong, as opposed to
// a query that failed.
var ErrBadFilter = errors.New("invalid usage filter")

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Interval selects the grouping of a stats query.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalHour  Interval = "hour"
	IntervalModel Interval = "model"
)

func (i Interval) bucketExpr() (string, bool) {
	switch i {
	case IntervalDay:
		return `to_char(executed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')`, true
	case IntervalHour:
		return `to_char(executed_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:00')`, true
	case IntervalModel:
		return "model_id", true
	}
	return "", false
}

// Filter narrows a listing or stats query. Zero values mean "no filter".
type Filter struct {
	StartDate time.Time
	EndDate   time.Time
	ModelID   string
	Operation models.Operation

	Limit  int
	Offset int
}

func (f Filter) validate() error {
	if f.Operation != "" && !f.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrBadFilter, f.Operation)
	}
	if !f.StartDate.IsZero() && !f.EndDate.IsZero() && f.EndDate.Before(f.StartDate) {
		return fmt.Errorf("%w: end_date precedes start_date", ErrBadFilter)
	}
	if f.Offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrBadFilter)
	}
	return nil
}

func (f Filter) apply(query *gorm.DB) *gorm.DB {
	if !f.StartDate.IsZero() {
		query = query.Where("executed_at >= ?", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		query = query.Where("executed_at <= ?", f.EndDate)
	}
	if f.ModelID != "" {
		query = query.Where("model_id = ?", f.ModelID)
	}
	if f.Operation != "" {
		query = query.Where("operation = ?", f.Operation)
	}
	return query
}

// PageSize is the limit actually applied: the default when unset, capped
// at the maximum otherwise.
func (f Filter) PageSize() int {
	switch {
	case f.Limit <= 0:
		return defaultPageSize
	case f.Limit > maxPageSize:
		return maxPageSize
	default:
		return f.Limit
	}
}

type Config struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewService(config *Config) *Service {
	return &Service{db: config.DB, logger: config.Logger}
}

// List returns one page of the caller's usage, newest first, together
// with the total row count and a summary aggregated over the whole
// filtered set rather than the page.
func (s *Service) List(ctx context.Context, userID uuid.UUID, filter Filter) ([]models.UsageRecord, *models.UsageSummary, int64, error) {
	if err := filter.validate(); err != nil {
		return nil, nil, 0, err
	}

	var total int64
	if err := filter.apply(
		s.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("user_id = ?", userID),
	).Count(&total).Error; err != nil {
		return nil, nil, 0, fmt.Errorf("failed to count usage: %w", err)
	}

	summary, err := s.summarize(ctx, userID, filter)
	if err != nil {
		return nil, nil, 0, err
	}

	var records []models.UsageRecord
	query := filter.apply(
		s.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("user_id = ?", userID),
	).Order("executed_at DESC").
		Limit(filter.PageSize())
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, nil, 0, fmt.Errorf("failed to fetch usage: %w", err)
	}

	return records, summary, total, nil
}

func (s *Service) summarize(ctx context.Context, userID uuid.UUID, filter Filter) (*models.UsageSummary, error) {
	var summary models.UsageSummary
	query := filter.apply(
		s.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("user_id = ?", userID),
	)
	err := query.Select(`
		COUNT(*) AS total_requests,
		COALESCE(SUM(total_tokens), 0) AS total_tokens,
		COALESCE(SUM(credits_used), 0) AS total_credits,
		COALESCE(SUM(vendor_cost_usd), 0) AS total_vendor_cost,
		COALESCE(SUM(cache_read_input_tokens + cached_prompt_tokens + cached_content_tokens), 0) AS total_cache_reads,
		COALESCE(AVG(cache_hit_rate), 0) AS avg_cache_hit_rate,
		COALESCE(AVG(duration_ms), 0) AS avg_duration_ms,
		COUNT(*) FILTER (WHERE finish_reason = ?) AS canceled_requests`,
		"canceled",
	).Scan(&summary).Error
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &summary, nil
}

// Stats groups the caller's usage by day, hour, or model.
func (s *Service) Stats(ctx context.Context, userID uuid.UUID, interval Interval, filter Filter) ([]models.UsageBucket, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	expr, ok := interval.bucketExpr()
	if !ok {
		return nil, fmt.Errorf("%w: unknown interval %q", ErrBadFilter, interval)
	}

	query := filter.apply(
		s.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("user_id = ?", userID),
	)

	var buckets []models.UsageBucket
	err := query.Select(fmt.Sprintf(`
		%s AS bucket,
		COUNT(*) AS requests,
		COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
		COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
		COALESCE(SUM(total_tokens), 0) AS total_tokens,
		COALESCE(SUM(credits_used), 0) AS credits_used,
		COALESCE(SUM(vendor_cost_usd), 0) AS vendor_cost_usd`, expr)).
		Group("bucket").
		Order("bucket ASC").
		Scan(&buckets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return buckets, nil
}
