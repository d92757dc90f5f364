package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/goccy/go-json"
	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
)

var (
	// ErrUnreachable is returned by Sync when the cluster does not answer a ping.
	ErrUnreachable = errors.New("connector: cluster is not reachable")

	// ErrCanceled is returned by Sync when its cancel check fires.
	ErrCanceled = errors.New("connector: sync canceled")
)

// SyncOptions control one job sync
type SyncOptions struct {
	Since   *time.Time
	Until   *time.Time
	Managed bool
	// LaunchType is given to the parse jobs the sync creates.
	LaunchType string
	// Canceled is consulted before each record.
	Canceled func(ctx context.Context) bool
}

// SyncResult summarizes one job sync
type SyncResult struct {
	Since     *time.Time
	Fetched   int
	Skipped   int
	Staged    int
	Watermark *time.Time
}

// Sync crawls jobs finished after the resolved since and stages each one,
// host summaries attached, as a ClusterSyncData row with a NEW parse job.
// The cluster watermark advances in the same transaction as each staged
// record, so an interrupted sync resumes after the last committed record.
func (c *Connector) Sync(ctx context.Context, database *db.DB, opts SyncOptions) (SyncResult, error) {
	var result SyncResult
	if _, ok := c.Ping(ctx); !ok {
		return result, fmt.Errorf("%w: %s", ErrUnreachable, c.cluster.BaseURL())
	}

	since, err := c.resolveSince(ctx, database, opts, time.Now().UTC())
	if err != nil {
		return result, err
	}
	result.Since = since
	c.logger.Info("syncing jobs", "since", since, "until", opts.Until, "managed", opts.Managed)

	for job, err := range c.FetchJobs(ctx, since, opts.Until) {
		if err != nil {
			return result, err
		}
		if opts.Canceled != nil && opts.Canceled(ctx) {
			return result, ErrCanceled
		}
		result.Fetched++

		if job.ID == nil || job.Finished == nil {
			c.logger.Warn("skipping job without id or finished timestamp", "name", job.Name)
			result.Skipped++
			continue
		}

		for summary, err := range c.FetchHostSummaries(ctx, *job.ID) {
			if err != nil {
				return result, fmt.Errorf("host summaries of job %d: %w", *job.ID, err)
			}
			job.HostSummaries = append(job.HostSummaries, summary)
		}

		if err := c.stage(ctx, database, job, opts.LaunchType); err != nil {
			return result, fmt.Errorf("stage job %d: %w", *job.ID, err)
		}
		result.Staged++
		finished := job.Finished.UTC()
		result.Watermark = &finished
	}

	c.logger.Info("job sync complete", "fetched", result.Fetched, "skipped", result.Skipped, "staged", result.Staged)
	return result, nil
}

func (c *Connector) stage(ctx context.Context, database *db.DB, job Job, launchType string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if launchType == "" {
		launchType = jobs.LaunchDependency
	}

	return database.WithTransaction(ctx, func(tx *db.Tx) error {
		if _, err := db.AdvanceClusterWatermark(ctx, tx, c.cluster.ID, *job.Finished); err != nil {
			return err
		}
		data := &db.ClusterSyncData{
			ClusterID:           c.cluster.ID,
			Data:                string(payload),
			LastJobFinishedDate: job.Finished,
		}
		if err := db.CreateClusterSyncData(ctx, tx, data); err != nil {
			return err
		}
		return db.CreateSyncJob(ctx, tx, jobs.NewParseJob(c.cluster.ID, data.ID, launchType))
	})
}

// resolveSince picks the lower bound of a sync: the explicit option, then
// the stored watermark, then (for unmanaged syncs) the start of the last
// completed window of the initial sync cron.
func (c *Connector) resolveSince(ctx context.Context, database *db.DB, opts SyncOptions, now time.Time) (*time.Time, error) {
	if opts.Since != nil {
		return opts.Since, nil
	}

	cluster, err := db.GetCluster(ctx, database, c.cluster.ID)
	if err != nil {
		return nil, fmt.Errorf("load cluster: %w", err)
	}
	if cluster.LastJobFinishedDate != nil {
		return cluster.LastJobFinishedDate, nil
	}
	if opts.Managed {
		return nil, nil
	}

	start, err := LastWindowStart(c.config.InitialSyncCron, now)
	if err != nil {
		return nil, err
	}
	return &start, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LastWindowStart returns the start of the most recently completed window
// of a cron expression: the tick preceding the latest tick at or before now.
func LastWindowStart(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	for lookback := time.Hour; lookback <= 800*24*time.Hour; lookback *= 2 {
		var prev, last time.Time
		for t := schedule.Next(now.Add(-lookback)); !t.IsZero() && !t.After(now); t = schedule.Next(t) {
			prev, last = last, t
		}
		if !prev.IsZero() {
			return prev, nil
		}
	}
	return time.Time{}, fmt.Errorf("cron expression %q has no completed window before %s", expr, now)
}

// SyncOrganizations upserts every organization of the cluster
func (c *Connector) SyncOrganizations(ctx context.Context, q db.Querier) (int, error) {
	return c.syncEntities(ctx, q, db.KindOrganization, c.FetchOrganizations(ctx))
}

// SyncJobTemplates upserts every job template of the cluster
func (c *Connector) SyncJobTemplates(ctx context.Context, q db.Querier) (int, error) {
	return c.syncEntities(ctx, q, db.KindJobTemplate, c.FetchJobTemplates(ctx))
}

func (c *Connector) syncEntities(ctx context.Context, q db.Querier, kind db.EntityKind, refs iter.Seq2[Ref, error]) (int, error) {
	n := 0
	for ref, err := range refs {
		if err != nil {
			return n, err
		}
		if ref.ID == nil {
			c.logger.Warn("skipping entity without id", "kind", kind, "name", ref.Name)
			continue
		}
		e := &db.Entity{
			ClusterID:   c.cluster.ID,
			ExternalID:  *ref.ID,
			Name:        ref.Name,
			Description: ref.Description,
		}
		if err := db.UpsertEntity(ctx, q, kind, e); err != nil {
			return n, fmt.Errorf("upsert %s %d: %w", kind, *ref.ID, err)
		}
		n++
	}
	return n, nil
}
