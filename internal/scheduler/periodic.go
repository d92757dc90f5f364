package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
	"github.com/livinlefevreloca/aapsync/internal/schedules"
)

// PeriodicResult summarizes one periodic pass
type PeriodicResult struct {
	Acquired bool
	// Due schedules were recomputed and, outside cooldown, spawned a sync
	Due     int
	Spawned int
	// Missed schedules came due before the previous pass and were only
	// recomputed
	Missed   int
	Promoted int
	Cooling  int
}

// Periodic turns due schedules into sync jobs and promotes parse jobs
type Periodic struct {
	db      *db.DB
	sender  dispatch.Sender
	metrics *metrics.Aggregator
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewPeriodic creates the periodic pass runner
func NewPeriodic(database *db.DB, sender dispatch.Sender, aggregator *metrics.Aggregator, config Config, logger *slog.Logger) (*Periodic, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return &Periodic{
		db:      database,
		sender:  sender,
		metrics: aggregator,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Run performs one periodic pass under the periodic lock
func (p *Periodic) Run(ctx context.Context) (PeriodicResult, error) {
	now := p.now().UTC()
	result := PeriodicResult{}
	dc := dispatch.NewContext(p.sender, dispatch.Deferred)

	acquired, err := p.db.WithLockedTransaction(ctx, p.config.PeriodicLockName, p.config.LockTimeout, func(tx *db.Tx) error {
		cooling, err := db.ClustersInCooldown(ctx, tx, now)
		if err != nil {
			return fmt.Errorf("load cooldowns: %w", err)
		}
		result.Cooling = len(cooling)

		if err := p.runSchedules(ctx, tx, dc, now, cooling, &result); err != nil {
			return err
		}
		return p.promoteParseJobs(ctx, tx, dc, cooling, &result)
	})
	result.Acquired = acquired

	if !acquired && err == nil {
		p.logger.Debug("periodic lock held elsewhere, skipping pass", "lock", p.config.PeriodicLockName)
		return result, nil
	}
	if err != nil {
		dc.Discard()
		return result, fmt.Errorf("periodic pass: %w", err)
	}
	if err := dc.Flush(ctx); err != nil {
		return result, fmt.Errorf("request task manager pass: %w", err)
	}

	p.metrics.Inc(metrics.PeriodicSchedulesDue, float64(result.Spawned))
	p.metrics.Inc(metrics.PeriodicSchedulesMissed, float64(result.Missed))
	p.metrics.Inc(metrics.PeriodicParsePromoted, float64(result.Promoted))
	p.metrics.Set(metrics.PeriodicClustersCooling, float64(result.Cooling))
	return result, nil
}

// runSchedules handles schedules whose next run fell before now. The
// previous pass start splits them into missed and due; on the very first
// pass every past schedule counts as missed.
func (p *Periodic) runSchedules(ctx context.Context, tx *db.Tx, dc *dispatch.Context, now time.Time, cooling map[string]bool, result *PeriodicResult) error {
	last, err := db.GetPeriodicState(ctx, tx, p.config.PeriodicLockName)
	if err != nil {
		return fmt.Errorf("load periodic state: %w", err)
	}
	lastRun := now
	if last != nil && last.Before(now) {
		lastRun = *last
	}
	if err := db.SetPeriodicState(ctx, tx, p.config.PeriodicLockName, now); err != nil {
		return fmt.Errorf("save periodic state: %w", err)
	}

	missed, err := db.SchedulesMissedBefore(ctx, tx, lastRun)
	if err != nil {
		return fmt.Errorf("load missed schedules: %w", err)
	}
	for i := range missed {
		s := &missed[i]
		if err := schedules.SaveTx(ctx, tx, s, now, db.ScheduleFieldNextRun); err != nil {
			p.logger.Error("failed to resync missed schedule", "schedule", s.Name, "error", err)
			continue
		}
		result.Missed++
		p.logger.Info("schedule missed its run, next run recomputed", "schedule", s.Name, "next_run", s.NextRun)
	}

	due, err := db.SchedulesDueBetween(ctx, tx, lastRun, now)
	if err != nil {
		return fmt.Errorf("load due schedules: %w", err)
	}
	for i := range due {
		s := &due[i]
		if err := schedules.SaveTx(ctx, tx, s, now, db.ScheduleFieldNextRun); err != nil {
			p.logger.Error("failed to recompute due schedule", "schedule", s.Name, "error", err)
			continue
		}
		result.Due++

		if cooling[s.ClusterID] {
			p.logger.Info("cluster in cooldown, skipping scheduled sync", "schedule", s.Name, "cluster_id", s.ClusterID)
			continue
		}

		j := jobs.NewSyncJob(s.ClusterID, jobs.LaunchScheduled, jobs.Args{})
		if err := db.CreateSyncJob(ctx, tx, j); err != nil {
			return fmt.Errorf("create sync job for schedule %s: %w", s.Name, err)
		}
		if _, err := jobs.SignalStart(ctx, tx, dc, j); err != nil {
			return fmt.Errorf("start sync job for schedule %s: %w", s.Name, err)
		}
		result.Spawned++
		p.logger.Info("spawned scheduled sync", "schedule", s.Name, "job_id", j.ID, "next_run", s.NextRun)
	}
	return nil
}

// promoteParseJobs signals NEW parse jobs startable, oldest first. Jobs of
// cooling clusters are left out of the batch, not counted against it.
func (p *Periodic) promoteParseJobs(ctx context.Context, tx *db.Tx, dc *dispatch.Context, cooling map[string]bool, result *PeriodicResult) error {
	parse, err := db.ListSyncJobsByTypeStatus(ctx, tx, jobs.TypeParseJobData, jobs.StatusNew,
		p.config.ParseBatchLimit, lo.Keys(cooling)...)
	if err != nil {
		return fmt.Errorf("load new parse jobs: %w", err)
	}

	for i := range parse {
		j := &parse[i]
		ok, err := jobs.SignalStart(ctx, tx, dc, j)
		if err != nil {
			return fmt.Errorf("start parse job %s: %w", j.ID, err)
		}
		if ok {
			result.Promoted++
		}
	}
	if result.Promoted > 0 {
		p.logger.Debug("promoted parse jobs", "count", result.Promoted)
	}
	return nil
}

// Serve runs a pass every PeriodicInterval until ctx is done
func (p *Periodic) Serve(ctx context.Context) error {
	p.logger.Info("starting periodic scheduler",
		"lock", p.config.PeriodicLockName,
		"interval", p.config.PeriodicInterval)

	ticker := time.NewTicker(p.config.PeriodicInterval)
	defer ticker.Stop()

	for {
		if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("periodic pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Periodic) String() string {
	return "periodic-scheduler"
}
