package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/services/credits"
)

// NewCreditsCommand manages credit pools and the reconciliation backlog.
func NewCreditsCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage credits",
		Long:  "Grant purchased credits, inspect balances, and replay deferred charges.",
	}

	cmd.AddCommand(newCreditsGrantCommand(ctx))
	cmd.AddCommand(newCreditsBalanceCommand(ctx))
	cmd.AddCommand(newCreditsReconcileCommand(ctx))

	return cmd
}

func newCreditsGrantCommand(ctx context.Context) *cobra.Command {
	var amount int64
	var purchaseID string

	cmd := &cobra.Command{
		Use:   "grant [USER_ID|EMAIL]",
		Short: "Grant purchased credits to a user",
		Long:  "Creates a purchased credit pool. Purchased credits never expire and are drained after the subscription pool.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}
			if amount <= 0 {
				return fmt.Errorf("credits must be positive")
			}

			user, err := findUser(ctx, args[0])
			if err != nil {
				return err
			}

			if purchaseID == "" {
				purchaseID = "cli-" + uuid.NewString()
			}

			pool := &models.PurchasedCredit{
				UserID:       user.ID,
				PurchaseID:   purchaseID,
				TotalCredits: amount,
			}
			if err := db.WithContext(ctx).Create(pool).Error; err != nil {
				return fmt.Errorf("failed to grant credits: %w", err)
			}

			if outputJSON {
				OutputJSON(pool)
				return nil
			}

			fmt.Printf("Granted %d credits to %s (purchase %s)\n", amount, user.Email, purchaseID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&amount, "credits", 0, "Credits to grant (required)")
	cmd.Flags().StringVar(&purchaseID, "purchase-id", "", "Idempotency key (generated when omitted)")
	_ = cmd.MarkFlagRequired("credits")

	return cmd
}

func newCreditsBalanceCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [USER_ID|EMAIL]",
		Short: "Show a user's credit balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			user, err := findUser(ctx, args[0])
			if err != nil {
				return err
			}

			ledger := credits.NewLedger(&credits.Config{DB: db, Logger: zap.NewNop()})
			balances, err := ledger.GetDetailed(ctx, user.ID)
			if err != nil {
				return fmt.Errorf("failed to load balances: %w", err)
			}

			if outputJSON {
				OutputJSON(balances)
				return nil
			}

			fmt.Printf("Balances for %s:\n", user.Email)
			fmt.Printf("Subscription: %d of %d remaining", balances.Subscription.Remaining, balances.Subscription.Total)
			if balances.Subscription.PeriodEnd != nil {
				fmt.Printf(" (period ends %s)", balances.Subscription.PeriodEnd.Format("2006-01-02"))
			}
			fmt.Println()
			fmt.Printf("Purchased: %d of %d remaining\n", balances.Purchased.Remaining, balances.Purchased.Total)
			fmt.Printf("Total available: %d\n", balances.TotalAvailable)
			return nil
		},
	}

	return cmd
}

func newCreditsReconcileCommand(ctx context.Context) *cobra.Command {
	var batchSize, maxAttempts int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay pending deferred charges once",
		Long:  "Runs a single reconciliation sweep, same as one worker pass. Useful after fixing a balance problem by hand.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			ledger := credits.NewLedger(&credits.Config{DB: db, Logger: zap.NewNop()})
			stats, err := ledger.RetryPending(ctx, batchSize, maxAttempts)
			if err != nil {
				return fmt.Errorf("reconciliation sweep failed: %w", err)
			}

			if outputJSON {
				OutputJSON(stats)
				return nil
			}

			fmt.Printf("Processed: %d\n", stats.Processed)
			fmt.Printf("Resolved: %d\n", stats.Resolved)
			fmt.Printf("Abandoned: %d\n", stats.Abandoned)
			fmt.Printf("Failed: %d\n", stats.Failed)

			pending, err := ledger.PendingReconciliations(ctx)
			if err == nil {
				fmt.Printf("Still pending: %d\n", pending)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Records per sweep")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 10, "Attempts before a record is abandoned")

	return cmd
}
