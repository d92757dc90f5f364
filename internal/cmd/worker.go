package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
)

func workerCmd(g *globals) *cobra.Command {
	var (
		status   bool
		running  bool
		cancel   string
		reload   bool
		instance string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect and control worker instances",
		Example: `  aapsync worker --status
  aapsync worker --running --instance worker-2
  aapsync worker --cancel 0f8c...,9a1e...
  aapsync worker --reload --instance worker-2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var ids []string
			if cancel != "" {
				var err error
				if ids, err = parseJobIDs(cancel); err != nil {
					return err
				}
			}

			cfg, logger, err := g.load(os.Stderr)
			if err != nil {
				return err
			}
			if instance == "" {
				instance = cfg.Worker.Instance
			}
			ctx := cmd.Context()
			client, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()
			queue := dispatch.NewQueue(client, cfg.Redis.Namespace)
			out := cmd.OutOrStdout()

			switch {
			case status:
				workers, err := queue.Workers(ctx)
				if err != nil {
					return err
				}
				return printWorkers(out, workers, time.Now())

			case reload:
				if err := queue.SendControl(ctx, instance, dispatch.ControlReload); err != nil {
					return err
				}
				fmt.Fprintf(out, "reload sent to %s\n", instance)
				return nil
			}

			database, err := openDatabase(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer database.Close()
			store := jobs.NewStore(database, queue, cfg.Worker.Config, logger)

			if running {
				list, err := store.ListRunning(ctx, instance)
				if err != nil {
					return err
				}
				return printJobs(out, list)
			}

			acted, err := store.Cancel(ctx, ids)
			for _, id := range acted {
				fmt.Fprintf(out, "cancel requested: %s\n", id)
			}
			for _, id := range lo.Without(ids, acted...) {
				fmt.Fprintf(out, "not cancelable: %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list live worker instances")
	cmd.Flags().BoolVar(&running, "running", false, "list the RUNNING jobs of an instance")
	cmd.Flags().StringVar(&cancel, "cancel", "", "cancel jobs: one id, a comma separated list or a JSON array")
	cmd.Flags().BoolVar(&reload, "reload", false, "ask an instance to reload its worker configuration")
	cmd.Flags().StringVar(&instance, "instance", "", "worker instance (default this host's instance)")
	cmd.MarkFlagsMutuallyExclusive("status", "running", "cancel", "reload")
	cmd.MarkFlagsOneRequired("status", "running", "cancel", "reload")
	return cmd
}

// parseJobIDs reads one id, a comma separated list or a JSON array of ids
func parseJobIDs(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	var ids []string
	if strings.HasPrefix(value, "[") {
		if err := json.Unmarshal([]byte(value), &ids); err != nil {
			return nil, fmt.Errorf("invalid job id list: %w", err)
		}
	} else {
		ids = strings.Split(value, ",")
	}

	ids = lo.Uniq(lo.FilterMap(ids, func(id string, _ int) (string, bool) {
		id = strings.TrimSpace(id)
		return id, id != ""
	}))
	if len(ids) == 0 {
		return nil, fmt.Errorf("no job ids given")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", id, err)
		}
	}
	return ids, nil
}

var workerHeader = table.Row{
	"Instance",
	"Up",
	"Last Seen",
	"Running",
	"Sync",
	"Parse",
}

func printWorkers(w io.Writer, workers []dispatch.WorkerInfo, now time.Time) error {
	if len(workers) == 0 {
		_, err := fmt.Fprintln(w, "no live workers")
		return err
	}
	workerTable := table.NewWriter()
	workerTable.AppendHeader(workerHeader)
	for _, info := range workers {
		workerTable.AppendRow(table.Row{
			info.Instance,
			now.Sub(info.StartedAt).Truncate(time.Second),
			fmt.Sprintf("%s ago", now.Sub(info.SeenAt).Truncate(time.Second)),
			len(info.Running),
			info.Capacity[jobs.TypeSyncJobs],
			info.Capacity[jobs.TypeParseJobData],
		})
	}
	_, err := fmt.Fprintln(w, workerTable.Render())
	return err
}

var jobHeader = table.Row{
	"ID",
	"Type",
	"Cluster",
	"Launch",
	"Started",
}

func printJobs(w io.Writer, list []db.SyncJob) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no running jobs")
		return err
	}
	jobTable := table.NewWriter()
	jobTable.AppendHeader(jobHeader)
	for _, j := range list {
		started := "-"
		if j.Started != nil {
			started = j.Started.UTC().Format(time.RFC3339)
		}
		jobTable.AppendRow(table.Row{j.ID, j.Type, j.ClusterID, j.LaunchType, started})
	}
	_, err := fmt.Fprintln(w, jobTable.Render())
	return err
}
