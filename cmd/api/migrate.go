package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kanban/api/internal/store"
)

func migrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the database schema",
		Long:      "Apply pending migrations (up, the default) or roll back every applied migration (down).",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if direction != "up" && direction != "down" {
				return fmt.Errorf("unknown direction %q, want up or down", direction)
			}

			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseDriver == "memory" {
				return fmt.Errorf("the memory driver has no schema to migrate")
			}
			dialect, err := store.ParseDialect(cfg.DatabaseDriver)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			if direction == "down" {
				if err := store.RollbackMigrations(ctx, db, dialect); err != nil {
					return err
				}
				logger.WithField("dialect", dialect).Info("migrations rolled back")
				return nil
			}
			if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
				return err
			}
			logger.WithField("dialect", dialect).Info("migrations applied")
			return nil
		},
	}
}
