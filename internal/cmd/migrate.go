package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/migrations"
	"github.com/livinlefevreloca/aapsync/tools/migrator"
)

func migrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(os.Stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			database, err := db.OpenWithConfig(cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer database.Close()

			if err := migrator.RunMigrations(ctx, database, migrations.FS, logger); err != nil {
				return err
			}
			version, err := migrator.GetCurrentVersion(ctx, database)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
