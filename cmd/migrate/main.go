package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"WingLedger/internal/config"
	"WingLedger/internal/observability"
	"WingLedger/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configFile string

// withMigrator opens the configured database and runs fn against it.
func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := observability.NewLoggerWithLevel("migrate", observability.ParseLogLevel(cfg.LogLevel))

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	m := persistence.NewMigrator(db, cfg.MigrationsDir)
	m.SetLogger(logger)
	return fn(ctx, m, logger)
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back WingLedger schema migrations",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *persistence.Migrator, logger zerolog.Logger) error {
				if err := m.Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *persistence.Migrator, _ zerolog.Logger) error {
				versions, err := m.Applied(ctx)
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					fmt.Println("no migrations applied")
					return nil
				}
				for _, v := range versions {
					fmt.Println(v)
				}
				return nil
			})
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
