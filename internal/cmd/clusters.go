package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/clusters"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
)

func importClustersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "import-clusters <file>",
		Short: "Create or update clusters and their schedules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := clusters.LoadFile(args[0])
			if err != nil {
				return err
			}

			cfg, logger, err := g.load(os.Stderr)
			if err != nil {
				return err
			}
			database, err := openDatabase(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()

			result, err := clusters.Import(cmd.Context(), database, file, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clusters: %d created, %d updated\nschedules: %d created, %d updated\n",
				result.ClustersCreated, result.ClustersUpdated, result.SchedulesCreated, result.SchedulesUpdated)
			return nil
		},
	}
}

func syncHistoricalCmd(g *globals) *cobra.Command {
	var (
		clusterID    string
		since, until string
		window       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync-historical",
		Short: "Queue managed sync jobs backfilling a time range of one cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseTime(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			to := time.Now().UTC()
			if until != "" {
				if to, err = parseTime(until); err != nil {
					return fmt.Errorf("--until: %w", err)
				}
			}

			cfg, logger, err := g.load(os.Stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			database, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()
			client, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			queue := dispatch.NewQueue(client, cfg.Redis.Namespace)
			created, err := clusters.HistoricalSync(ctx, database, queue, clusterID, from, to, window)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range created {
				fmt.Fprintln(out, j.ID)
			}
			logger.Info("historical sync queued", "cluster_id", clusterID, "jobs", len(created))
			return nil
		},
	}
	cmd.Flags().StringVar(&clusterID, "cluster", "", "cluster id")
	cmd.Flags().StringVar(&since, "since", "", "start of the range (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "end of the range, exclusive (default now)")
	cmd.Flags().DurationVar(&window, "window", clusters.DefaultHistoricalWindow, "span covered by each job")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("since")
	return cmd
}

var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseTime accepts RFC 3339 or a bare date. Values without an offset are UTC.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty time")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a time", value)
}
