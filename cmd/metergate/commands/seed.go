package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metergate/metergate/internal/database"
)

// NewSeedCommand loads the default model catalog, pricing, tier
// multipliers, and OAuth clients. Existing rows are left alone.
func NewSeedCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the model catalog and default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			if err := database.NewSeeder(db).SeedAll(); err != nil {
				return fmt.Errorf("seeding failed: %w", err)
			}

			fmt.Println("Seeding complete")
			return nil
		},
	}

	return cmd
}
