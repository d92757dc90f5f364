// Package scheduler runs the control loops that decide what work starts:
// the task manager hands PENDING jobs to workers, and the periodic pass
// turns due schedules into sync jobs and promotes parse jobs.
//
// Both loops run in every process. Named advisory locks make sure only one
// pass of each kind is in flight across the deployment; a process that
// finds a lock held skips its pass instead of waiting.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
)

// Queue is the dispatch channel the task manager feeds and listens on
type Queue interface {
	dispatch.Sender
	WaitWake(ctx context.Context, timeout time.Duration) (bool, error)
}

// PassResult summarizes one task manager pass
type PassResult struct {
	Acquired          bool
	Pending           int
	Waiting           int
	Running           int
	Dispatched        int
	StartLimitReached bool
	TimedOut          bool
}

// TaskManager dispatches PENDING jobs to the execution queues
type TaskManager struct {
	db      *db.DB
	queue   Queue
	metrics *metrics.Aggregator
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewTaskManager creates a task manager with validated configuration
func NewTaskManager(database *db.DB, queue Queue, aggregator *metrics.Aggregator, config Config, logger *slog.Logger) (*TaskManager, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &TaskManager{
		db:      database,
		queue:   queue,
		metrics: aggregator,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Schedule runs one pass. When another process holds the task manager
// lock the pass is skipped and the result reports Acquired false.
// Dispatch messages are delivered only after the pass committed.
func (m *TaskManager) Schedule(ctx context.Context) (PassResult, error) {
	start := m.now()
	result := PassResult{}
	dc := dispatch.NewContext(m.queue, dispatch.Deferred)

	acquired, err := m.db.WithLockedTransaction(ctx, m.config.LockName, m.config.LockTimeout, func(tx *db.Tx) error {
		active, err := db.ListSyncJobsByStatus(ctx, tx, jobs.StatusPending, jobs.StatusWaiting, jobs.StatusRunning)
		if err != nil {
			return fmt.Errorf("load active jobs: %w", err)
		}

		pending := make([]*db.SyncJob, 0, len(active))
		for i := range active {
			switch active[i].Status {
			case jobs.StatusPending:
				pending = append(pending, &active[i])
			case jobs.StatusWaiting:
				result.Waiting++
			case jobs.StatusRunning:
				result.Running++
			}
		}
		result.Pending = len(pending)

		return m.dispatchPending(ctx, tx, dc, pending, start, &result)
	})
	result.Acquired = acquired

	if !acquired && err == nil {
		m.logger.Debug("task manager lock held elsewhere, skipping pass", "lock", m.config.LockName)
		m.metrics.Inc(metrics.SchedulerLockContended, 1)
		return result, nil
	}
	if err != nil {
		dc.Discard()
		return result, fmt.Errorf("task manager pass: %w", err)
	}

	if err := dc.Flush(ctx); err != nil {
		// Jobs stay WAITING until recovery resets them.
		m.logger.Error("failed to deliver dispatch messages", "error", err, "dispatched", result.Dispatched)
		return result, fmt.Errorf("deliver dispatch messages: %w", err)
	}

	m.record(start, result)
	if result.Dispatched > 0 {
		m.logger.Info("dispatched jobs",
			"dispatched", result.Dispatched,
			"pending", result.Pending,
			"waiting", result.Waiting,
			"running", result.Running)
	}
	return result, nil
}

// dispatchPending moves pending jobs to WAITING in creation order until the
// start limit or the pass timeout is hit
func (m *TaskManager) dispatchPending(ctx context.Context, tx *db.Tx, dc *dispatch.Context, pending []*db.SyncJob, start time.Time, result *PassResult) error {
	for i, j := range pending {
		if result.Dispatched >= m.config.StartLimit {
			result.StartLimitReached = true
			m.logger.Debug("start limit reached, requesting another pass",
				"limit", m.config.StartLimit,
				"remaining", len(pending)-i)
			return dc.RequestPass(ctx)
		}

		if elapsed := m.now().Sub(start); elapsed > m.config.PassTimeout {
			result.TimedOut = true
			m.logger.Info("task manager pass timed out, remaining jobs wait for the next pass",
				"elapsed", elapsed,
				"remaining", len(pending)-i)
			return nil
		}

		token := jobs.NewRunToken()
		j.Status = jobs.StatusWaiting
		j.RunToken = &token
		ok, err := db.CompareAndUpdateSyncJob(ctx, tx, j, jobs.StatusPending)
		if err != nil {
			return fmt.Errorf("mark job %s waiting: %w", j.ID, err)
		}
		if !ok {
			m.logger.Debug("job left pending during the pass", "job_id", j.ID)
			continue
		}

		if err := dc.Enqueue(ctx, dispatch.Message{JobID: j.ID, Type: j.Type, Token: token}); err != nil {
			return err
		}
		result.Dispatched++
		m.logger.Debug("dispatching job", "job_id", j.ID, "type", j.Type, "cluster_id", j.ClusterID)
	}
	return nil
}

func (m *TaskManager) record(start time.Time, result PassResult) {
	m.metrics.Inc(metrics.SchedulerPasses, 1)
	m.metrics.Observe(metrics.SchedulerPassSeconds, m.now().Sub(start).Seconds())
	m.metrics.Set(metrics.SchedulerPendingProcessed, float64(result.Pending))
	m.metrics.Set(metrics.SchedulerWaitingProcessed, float64(result.Waiting))
	m.metrics.Set(metrics.SchedulerRunningProcessed, float64(result.Running))
	m.metrics.Inc(metrics.SchedulerJobsDispatched, float64(result.Dispatched))
	if result.StartLimitReached {
		m.metrics.Inc(metrics.SchedulerStartLimitReached, 1)
	}
	if result.TimedOut {
		m.metrics.Inc(metrics.SchedulerTimeoutReached, 1)
	}
}

// Serve runs passes until ctx is done. A pass starts whenever a wake
// request arrives and at least every LoopInterval.
func (m *TaskManager) Serve(ctx context.Context) error {
	m.logger.Info("starting task manager",
		"lock", m.config.LockName,
		"loop_interval", m.config.LoopInterval,
		"start_limit", m.config.StartLimit)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := m.Schedule(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("task manager pass failed", "error", err)
		}

		if _, err := m.queue.WaitWake(ctx, m.config.LoopInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("failed to wait for wake requests", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.LoopInterval):
			}
		}
	}
}

func (m *TaskManager) String() string {
	return "task-manager"
}
