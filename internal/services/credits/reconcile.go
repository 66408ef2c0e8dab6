package credits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/metergate/metergate/internal/models"
)

// RetryStats summarizes one reconciliation sweep.
type RetryStats struct {
	Processed int
	Resolved  int
	Abandoned int
	Failed    int
}

// CreateReconciliation records a charge that failed after the response was
// already committed to the client. The full deduction metadata is
// snapshotted so the retry worker can replay the charge verbatim.
func (l *Ledger) CreateReconciliation(ctx context.Context, userID uuid.UUID, n int64, meta *DeductMeta, reason string) error {
	snapshot, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to snapshot deduction metadata: %w", err)
	}

	record := &models.ReconciliationRecord{
		UserID:        userID,
		RequestID:     meta.RequestID,
		ModelID:       meta.ModelID,
		Provider:      meta.Provider,
		Operation:     meta.Operation,
		Credits:       n,
		VendorCostUSD: meta.VendorCostUSD,
		UsageSnapshot: snapshot,
		Reason:        reason,
		Status:        models.ReconciliationPending,
	}

	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create reconciliation record: %w", err)
	}

	l.logger.Warn("Deferred charge to reconciliation",
		zap.String("user_id", userID.String()),
		zap.String("request_id", meta.RequestID),
		zap.Int64("credits", n),
		zap.String("reason", reason))

	return nil
}

// RetryPending replays up to batchSize pending reconciliation charges,
// oldest first. A record whose request already appears in usage history
// is resolved without charging again; one that has exhausted maxAttempts
// is abandoned for manual review.
func (l *Ledger) RetryPending(ctx context.Context, batchSize, maxAttempts int) (*RetryStats, error) {
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	var pending []models.ReconciliationRecord
	err := l.db.WithContext(ctx).
		Where("status = ?", models.ReconciliationPending).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load pending reconciliations: %w", err)
	}

	stats := &RetryStats{}
	for i := range pending {
		stats.Processed++
		if err := l.retryOne(ctx, &pending[i], maxAttempts, stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			l.logger.Error("Reconciliation retry failed",
				zap.String("request_id", pending[i].RequestID),
				zap.Error(err))
		}
	}

	return stats, nil
}

func (l *Ledger) retryOne(ctx context.Context, record *models.ReconciliationRecord, maxAttempts int, stats *RetryStats) error {
	// The original deduction may have landed even though its result was
	// lost; the request ID is unique in usage history, so check there
	// before charging again.
	var billed int64
	err := l.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("request_id = ?", record.RequestID).
		Count(&billed).Error
	if err != nil {
		return err
	}
	if billed > 0 {
		stats.Resolved++
		return l.markResolved(ctx, record)
	}

	if record.Attempts >= maxAttempts {
		stats.Abandoned++
		l.logger.Error("Abandoning reconciliation after max attempts",
			zap.String("user_id", record.UserID.String()),
			zap.String("request_id", record.RequestID),
			zap.Int64("credits", record.Credits),
			zap.Int("attempts", record.Attempts))
		return l.db.WithContext(ctx).Model(record).
			Update("status", models.ReconciliationAbandoned).Error
	}

	var meta DeductMeta
	if err := json.Unmarshal(record.UsageSnapshot, &meta); err != nil {
		stats.Failed++
		return l.recordAttempt(ctx, record, fmt.Errorf("corrupt usage snapshot: %w", err))
	}

	if _, err := l.Deduct(ctx, record.UserID, record.Credits, &meta); err != nil {
		stats.Failed++
		// Insufficient balances stay pending until the user tops up or
		// the record ages out; transient errors retry on the next sweep.
		return l.recordAttempt(ctx, record, err)
	}

	stats.Resolved++
	l.logger.Info("Reconciled deferred charge",
		zap.String("user_id", record.UserID.String()),
		zap.String("request_id", record.RequestID),
		zap.Int64("credits", record.Credits))
	return l.markResolved(ctx, record)
}

// PendingReconciliations counts records still waiting for a successful
// replay.
func (l *Ledger) PendingReconciliations(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.ReconciliationRecord{}).
		Where("status = ?", models.ReconciliationPending).
		Count(&count).Error
	return count, err
}

func (l *Ledger) markResolved(ctx context.Context, record *models.ReconciliationRecord) error {
	now := l.now()
	return l.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"status":      models.ReconciliationResolved,
		"resolved_at": &now,
	}).Error
}

func (l *Ledger) recordAttempt(ctx context.Context, record *models.ReconciliationRecord, cause error) error {
	return l.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": cause.Error(),
	}).Error
}
