package cli

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/halcyonhost/panel/internal/config"
	"github.com/halcyonhost/panel/internal/repository"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate [command]",
	Short: "Run schema migrations (up, down, status, redo)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) > 0 {
			command = args[0]
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := repository.RunMigrations(ctx, cfg.DSN(), command); err != nil {
			return err
		}

		// River keeps its own schema; only the forward direction is
		// managed here. Rolling river back would strand queued jobs.
		if command == "up" {
			pool, err := pgxpool.New(ctx, cfg.DSN())
			if err != nil {
				return fmt.Errorf("create database pool: %w", err)
			}
			defer pool.Close()

			migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
			if err != nil {
				return fmt.Errorf("create river migrator: %w", err)
			}
			if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
				return fmt.Errorf("river migrate: %w", err)
			}
		}

		fmt.Printf("migrations %s complete\n", command)
		return nil
	},
}
