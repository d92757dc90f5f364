package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/config"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
	"github.com/livinlefevreloca/aapsync/internal/scheduler"
	"github.com/livinlefevreloca/aapsync/internal/supervisor"
	"github.com/livinlefevreloca/aapsync/internal/taskrunner"
)

func runCmd(g *globals) *cobra.Command {
	var noScheduler, noWorker bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler passes, the worker pool and the metrics flusher",
		Long: `Run starts the long lived services of one aapsync process under a
supervision tree. Every process may run the scheduler passes; advisory
locks keep a single pass of each kind in flight across the deployment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noScheduler && noWorker {
				return errors.New("--no-scheduler and --no-worker leave nothing to run")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return g.run(ctx, !noScheduler, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the task manager and periodic passes")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the worker pool")
	return cmd
}

func (g *globals) run(ctx context.Context, scheduling, working bool) error {
	cfg, logger, err := g.load(os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("starting aapsync", "instance", cfg.Worker.Instance, "scheduling", scheduling, "working", working)

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
	store := jobs.NewStore(database, queue, cfg.Worker.Config, logger)

	// Whatever this instance, or a worker no longer heartbeating, held
	// when it stopped never finished.
	recovered, err := store.RecoverOrphans(ctx, cfg.Worker.Instance)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered orphaned jobs", "count", recovered)
	}

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	var aggregators []*metrics.Aggregator

	if scheduling {
		agg := metrics.NewAggregator(client, metrics.SchedulerRegistry(), cfg.Worker.Instance, cfg.Metrics, logger)
		aggregators = append(aggregators, agg)

		manager, err := scheduler.NewTaskManager(database, queue, agg, cfg.Scheduler, logger.With("component", "task-manager"))
		if err != nil {
			return err
		}
		periodic, err := scheduler.NewPeriodic(database, queue, agg, cfg.Scheduler, logger.With("component", "periodic"))
		if err != nil {
			return err
		}
		tree.AddScheduling(manager)
		tree.AddScheduling(periodic)
	}

	if working {
		agg := metrics.NewAggregator(client, metrics.WorkerRegistry(), cfg.Worker.Instance, cfg.Metrics, logger)
		aggregators = append(aggregators, agg)

		runner := taskrunner.NewRunner(store, queue, cfg.Connector, agg, cfg.Worker, logger.With("component", "runner"))
		pool := taskrunner.NewPool(runner, queue, cfg.Worker, logger.With("component", "worker-pool"))
		pool.Reload = g.reloadWorker
		tree.AddWorker(pool)
	}

	tree.AddMetrics(metrics.NewFlusher(cfg.Metrics, logger.With("component", "metrics"), aggregators...))

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", "count", len(report))
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return err
}

// reloadWorker reads the worker section of the config file again
func (g *globals) reloadWorker() (taskrunner.Config, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return taskrunner.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return taskrunner.Config{}, err
	}
	return cfg.Worker, nil
}
