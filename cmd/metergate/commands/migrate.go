package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metergate/metergate/internal/database"
)

// NewMigrateCommand brings the schema up to date. AutoMigrate only adds,
// so running it against a live database is safe.
func NewMigrateCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			if err := database.MigrateDB(db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Migrations complete")
			return nil
		},
	}

	return cmd
}
