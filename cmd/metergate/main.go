package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/metergate/metergate/cmd/metergate/commands"
)

var (
	dbURL      string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "metergate",
		Short: "Metergate operator CLI",
		Long: `Operator tooling for the Metergate gateway: manage users, OAuth clients,
and credit pools directly against the gateway database.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database URL (defaults to DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	ctx := context.Background()
	rootCmd.AddCommand(commands.NewUserCommand(ctx))
	rootCmd.AddCommand(commands.NewClientCommand(ctx))
	rootCmd.AddCommand(commands.NewCreditsCommand(ctx))
	rootCmd.AddCommand(commands.NewMigrateCommand(ctx))
	rootCmd.AddCommand(commands.NewSeedCommand(ctx))

	return rootCmd
}

func initConfig() error {
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}

	if dbURL != "" {
		level := gormLogger.Silent
		if verbose {
			level = gormLogger.Info
		}
		db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{
			Logger: gormLogger.New(log.New(os.Stderr, "", log.LstdFlags), gormLogger.Config{LogLevel: level}),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		commands.SetDB(db)
	}

	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)

	return nil
}
