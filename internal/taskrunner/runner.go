// Package taskrunner executes dispatched sync jobs: it claims a job,
// runs the body for its type step by step and records the terminal
// status.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/connector"
	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
	"github.com/livinlefevreloca/aapsync/internal/parser"
)

// Explanations recorded on failed jobs
const (
	ExplanationNoArgs   = "No job args provided"
	ExplanationNoData   = "No staged data linked to the job"
	ExplanationNotFound = "Cluster not found"
)

// CancelFlags reads and clears cooperative cancellation requests
type CancelFlags interface {
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
}

// handler runs the body of one job type
type handler func(ctx context.Context, j *db.SyncJob) StepResult

// Runner executes claimed jobs
type Runner struct {
	store     *jobs.Store
	db        *db.DB
	cancels   CancelFlags
	parser    *parser.Parser
	connector connector.Config
	metrics   *metrics.Aggregator
	config    Config
	logger    *slog.Logger
	now       func() time.Time
	handlers  map[string]handler
}

// NewRunner creates a runner claiming jobs as config.Instance
func NewRunner(store *jobs.Store, cancels CancelFlags, connectorConfig connector.Config, aggregator *metrics.Aggregator, config Config, logger *slog.Logger) *Runner {
	r := &Runner{
		store:     store,
		db:        store.DB(),
		cancels:   cancels,
		parser:    parser.New(logger),
		connector: connectorConfig,
		metrics:   aggregator,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
	r.handlers = map[string]handler{
		jobs.TypeSyncJobs:     r.runSync,
		jobs.TypeParseJobData: r.runParse,
	}
	return r
}

// Run claims the job named by msg and executes it. It returns the job in
// its final state, or nil when the claim went to someone else. A job whose
// context ends mid-run is left RUNNING for startup recovery.
func (r *Runner) Run(ctx context.Context, msg dispatch.Message) (*db.SyncJob, error) {
	claimed, err := r.store.Claim(ctx, msg.JobID, msg.Token, r.config.Instance)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		r.logger.Debug("job claimed elsewhere, skipping", "job_id", msg.JobID)
		r.metrics.Inc(metrics.WorkerClaimsLost, 1)
		return nil, nil
	}

	j, err := r.store.Get(ctx, claimed.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job %s: %w", claimed.ID, err)
	}
	if j.Status != jobs.StatusRunning {
		r.logger.Warn("job not running after claim, skipping", "job_id", j.ID, "status", j.Status)
		return j, nil
	}

	start := r.now()
	r.metrics.Inc(metrics.WorkerJobsStarted, 1)
	logger := r.logger.With("job_id", j.ID, "type", j.Type, "cluster_id", j.ClusterID)
	logger.Info("running job")

	result, panicErr := r.execute(ctx, j)
	if ctx.Err() != nil && result.Outcome != Ok {
		logger.Info("worker stopping, job left for recovery")
		return j, ctx.Err()
	}

	status, explanation := jobs.StatusSuccessful, ""
	switch {
	case panicErr != nil:
		status, explanation = jobs.StatusError, panicErr.Error()
	case result.Outcome == Failed:
		status, explanation = jobs.StatusFailed, result.Reason
	case result.Outcome == Canceled:
		status, explanation = jobs.StatusCanceled, jobs.ExplanationCanceled
	}

	if err := r.store.UpdateStatus(ctx, j, status, explanation); err != nil {
		return j, fmt.Errorf("record %s status of job %s: %w", status, j.ID, err)
	}
	r.finish(ctx, j, start, logger)
	return j, nil
}

// execute runs the handler of the job type. A panic in the body is
// reported as an error.
func (r *Runner) execute(ctx context.Context, j *db.SyncJob) (result StepResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", "job_id", j.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("unexpected error: %v", p)
		}
	}()

	h, ok := r.handlers[j.Type]
	if !ok {
		return StepResult{}, fmt.Errorf("unknown job type %q", j.Type)
	}
	return h(ctx, j), nil
}

func (r *Runner) finish(ctx context.Context, j *db.SyncJob, start time.Time, logger *slog.Logger) {
	r.metrics.ObserveSince(metrics.WorkerJobSeconds, start)
	switch j.Status {
	case jobs.StatusSuccessful:
		r.metrics.Inc(metrics.WorkerJobsSucceeded, 1)
	case jobs.StatusFailed:
		r.metrics.Inc(metrics.WorkerJobsFailed, 1)
	case jobs.StatusError:
		r.metrics.Inc(metrics.WorkerJobsErrored, 1)
	case jobs.StatusCanceled:
		r.metrics.Inc(metrics.WorkerJobsCanceled, 1)
	}

	if err := r.cancels.ClearCancel(ctx, j.ID); err != nil {
		logger.Warn("failed to clear cancellation flag", "error", err)
	}

	failedSync := j.Type == jobs.TypeSyncJobs &&
		(j.Status == jobs.StatusFailed || j.Status == jobs.StatusError)
	if failedSync && r.config.CacheTimeout > 0 {
		until := r.now().UTC().Add(r.config.CacheTimeout)
		if err := db.SetClusterCooldown(ctx, r.db, j.ClusterID, &until); err != nil {
			logger.Error("failed to put cluster in cooldown", "error", err)
		} else {
			logger.Info("cluster in cooldown after failed sync", "until", until)
		}
	}

	logger.Info("job finished", "status", j.Status, "elapsed", j.Elapsed, "explanation", j.Explanation)
}

// isCanceled reports whether a cancellation was requested for the job.
// Flag lookups that fail count as not canceled.
func (r *Runner) isCanceled(jobID string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		requested, err := r.cancels.CancelRequested(ctx, jobID)
		if err != nil {
			r.logger.Warn("failed to read cancellation flag", "job_id", jobID, "error", err)
			return false
		}
		return requested
	}
}

// runSync is the body of a sync job: version check, organizations, job
// templates, then the job crawl that stages records for parsing
func (r *Runner) runSync(ctx context.Context, j *db.SyncJob) StepResult {
	args := jobs.DecodeArgs(j.JobArgs, r.logger)
	if args == nil {
		return failed("%s", ExplanationNoArgs)
	}

	cluster, err := db.GetCluster(ctx, r.db, j.ClusterID)
	if err != nil {
		return failed("%s: %v", ExplanationNotFound, err)
	}
	conn := connector.New(cluster, r.connector, connector.DBTokenSaver(r.db), r.logger)
	isCanceled := r.isCanceled(j.ID)

	return runSteps(ctx, isCanceled, []step{
		{name: "Version check", run: func(ctx context.Context) error {
			version, err := conn.DetectVersion(ctx)
			if err != nil {
				return err
			}
			return db.SetClusterAPIVersion(ctx, r.db, cluster.ID, version)
		}},
		{name: "Organization sync", run: func(ctx context.Context) error {
			_, err := conn.SyncOrganizations(ctx, r.db)
			return err
		}},
		{name: "Job template sync", run: func(ctx context.Context) error {
			_, err := conn.SyncJobTemplates(ctx, r.db)
			return err
		}},
		{name: "Job sync", run: func(ctx context.Context) error {
			result, err := conn.Sync(ctx, r.db, connector.SyncOptions{
				Since:      args.Since,
				Until:      args.Until,
				Managed:    args.Managed,
				LaunchType: j.LaunchType,
				Canceled:   isCanceled,
			})
			r.metrics.Inc(metrics.WorkerRecordsStaged, float64(result.Staged))
			if errors.Is(err, connector.ErrCanceled) {
				return ErrCanceled
			}
			return err
		}},
	})
}

// runParse is the body of a parse job
func (r *Runner) runParse(ctx context.Context, j *db.SyncJob) StepResult {
	if j.ClusterSyncDataID == nil {
		return failed("%s", ExplanationNoData)
	}
	dataID := *j.ClusterSyncDataID

	result := runSteps(ctx, r.isCanceled(j.ID), []step{
		{name: "Parse", run: func(ctx context.Context) error {
			_, err := r.parser.Parse(ctx, r.db, dataID)
			return err
		}},
	})
	if result.Outcome == Ok {
		// The staged row is gone.
		j.ClusterSyncDataID = nil
		r.metrics.Inc(metrics.WorkerRecordsParsed, 1)
	}
	return result
}
