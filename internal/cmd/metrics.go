package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/metrics"
)

func metricsCmd(g *globals) *cobra.Command {
	var (
		nodes      []string
		names      []string
		subsystems []string
	)
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the published metrics of every instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(os.Stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			filter := metrics.Filter{
				Instances: nodes,
				Metrics:   lo.Map(names, func(n string, _ int) metrics.Name { return metrics.Name(n) }),
			}
			registries := map[string]*metrics.Registry{
				metrics.SubsystemScheduler: metrics.SchedulerRegistry(),
				metrics.SubsystemWorker:    metrics.WorkerRegistry(),
			}
			if len(subsystems) == 0 {
				subsystems = []string{metrics.SubsystemScheduler, metrics.SubsystemWorker}
			}

			out := cmd.OutOrStdout()
			for _, name := range subsystems {
				registry, ok := registries[name]
				if !ok {
					return fmt.Errorf("unknown subsystem %q", name)
				}
				agg := metrics.NewAggregator(client, registry, cfg.Worker.Instance, cfg.Metrics, logger)
				series, err := agg.Collect(ctx, filter)
				if err != nil {
					return err
				}
				if err := printSeries(out, name, series); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "only these instances")
	cmd.Flags().StringSliceVar(&names, "metric", nil, "only these metrics")
	cmd.Flags().StringSliceVar(&subsystems, "subsystem", nil, "scheduler, worker (default both)")
	return cmd
}

// printSeries writes one table per subsystem, one row per instance sample
func printSeries(w io.Writer, subsystem string, series []metrics.Series) error {
	if _, err := fmt.Fprintf(w, "# %s\n", subsystem); err != nil {
		return err
	}
	seriesTable := table.NewWriter()
	seriesTable.AppendHeader(table.Row{"Metric", "Kind", "Instance", "Value"})
	for _, s := range series {
		for _, sample := range s.Samples {
			seriesTable.AppendRow(table.Row{s.Descriptor.Name, s.Descriptor.Kind, sample.Instance, formatValue(sample.Value)})
		}
	}
	if seriesTable.Length() == 0 {
		_, err := fmt.Fprintln(w, "no samples")
		return err
	}
	_, err := fmt.Fprintln(w, seriesTable.Render())
	return err
}

func formatValue(v metrics.Value) string {
	if v.Histogram == nil {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	h := v.Histogram
	out := fmt.Sprintf("count=%d sum=%s", h.Count, strconv.FormatFloat(h.Sum, 'f', -1, 64))
	for _, b := range h.Buckets {
		out += fmt.Sprintf(" le%s=%d", strconv.FormatFloat(b.Le, 'f', -1, 64), b.Count)
	}
	return out
}
