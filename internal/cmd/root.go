// Package cmd implements the aapsync command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/config"
	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/migrations"
	"github.com/livinlefevreloca/aapsync/tools/migrator"
)

// globals holds the persistent flags shared by every subcommand
type globals struct {
	configPath string
}

// NewRootCommand builds the aapsync command tree
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "aapsync",
		Short:         "Sync and parse job scheduler for AAP reporting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to the TOML config file (defaults apply when empty)")

	root.AddCommand(runCmd(g))
	root.AddCommand(migrateCmd(g))
	root.AddCommand(importClustersCmd(g))
	root.AddCommand(syncHistoricalCmd(g))
	root.AddCommand(workerCmd(g))
	root.AddCommand(metricsCmd(g))
	root.AddCommand(schedulesCmd())
	return root
}

// Execute runs the command tree with ctx
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// load reads and validates the configuration and builds the logger
func (g *globals) load(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.Logging.NewLogger(w)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openDatabase connects and applies pending migrations unless disabled
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database connection established", "driver", cfg.Database.Driver)

	if cfg.Database.SkipMigrations {
		logger.Warn("skipping database migrations")
		return database, nil
	}
	if err := migrator.RunMigrations(ctx, database, migrations.FS, logger); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return database, nil
}

// openRedis connects to the broker and checks it answers
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client, err := cfg.Redis.NewClient()
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
