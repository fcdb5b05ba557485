package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban/api/internal/config"
	"kanban/api/internal/store"
)

var Version = "dev"

type configLoader func() (config.Config, error)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "kanban-api",
		Short:         "Kanban board API with live reordering",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $KANBAN_CONFIG)")

	load := func() (config.Config, error) {
		return config.LoadFile(configPath)
	}
	cmd.AddCommand(serveCmd(load))
	cmd.AddCommand(migrateCmd(load))
	cmd.AddCommand(inspectCmd(load))
	cmd.AddCommand(rebalanceCmd(load))
	cmd.AddCommand(watchCmd(load))
	cmd.AddCommand(tokenCmd(load))
	return cmd
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// openStore connects the configured backend and brings its schema up to date.
// The returned func releases the connection.
func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.BoardStore, func(), error) {
	if cfg.DatabaseDriver == "memory" {
		logger.Warn("using the in-memory store, boards are lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}
	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewSQLStore(db, dialect), func() { _ = db.Close() }, nil
}
