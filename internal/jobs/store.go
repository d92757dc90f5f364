package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
)

// ExplanationCanceled is recorded on jobs ending in CANCELED
const ExplanationCanceled = "Canceled"

// Config bounds status update retries and cancellation flags
type Config struct {
	// DowntimeTolerance is how long a status update keeps retrying
	// against an unavailable database.
	DowntimeTolerance time.Duration `toml:"downtime_tolerance"`
	// RetrySlice is the pause between two update attempts.
	RetrySlice time.Duration `toml:"retry_slice"`
	// CancelTTL is how long a cancellation flag stays raised.
	CancelTTL time.Duration `toml:"cancel_ttl"`
}

// DefaultConfig returns the default job store configuration
func DefaultConfig() Config {
	return Config{
		DowntimeTolerance: 40 * time.Second,
		RetrySlice:        2 * time.Second,
		CancelTTL:         time.Hour,
	}
}

// Coordinator raises cooperative cancellation flags and reports the
// worker instances holding a live heartbeat
type Coordinator interface {
	RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error
	Workers(ctx context.Context) ([]dispatch.WorkerInfo, error)
}

// Store drives state transitions of sync jobs
type Store struct {
	db        *db.DB
	canceller Coordinator
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates a job store
func NewStore(database *db.DB, canceller Coordinator, config Config, logger *slog.Logger) *Store {
	return &Store{
		db:        database,
		canceller: canceller,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// DB returns the underlying database
func (s *Store) DB() *db.DB {
	return s.db
}

// NewSyncJob builds a NEW sync job for a cluster
func NewSyncJob(clusterID, launchType string, args Args) *db.SyncJob {
	return &db.SyncJob{
		Name:       "Sync jobs",
		Status:     StatusNew,
		Type:       TypeSyncJobs,
		LaunchType: launchType,
		ClusterID:  clusterID,
		JobArgs:    EncodeArgs(args),
	}
}

// NewParseJob builds a NEW parse job consuming one staged payload
func NewParseJob(clusterID, syncDataID, launchType string) *db.SyncJob {
	return &db.SyncJob{
		Name:              "Parse job data",
		Status:            StatusNew,
		Type:              TypeParseJobData,
		LaunchType:        launchType,
		ClusterID:         clusterID,
		ClusterSyncDataID: &syncDataID,
	}
}

// SignalStart moves a job that CanStart to PENDING and requests a
// scheduler pass through dc. It returns false without side effects for
// jobs in any other status.
func SignalStart(ctx context.Context, q db.Querier, dc *dispatch.Context, j *db.SyncJob) (bool, error) {
	if !CanStart(j.Status) {
		return false, nil
	}

	prev := *j
	j.Status = StatusPending
	resetTiming(j)
	ok, err := db.CompareAndUpdateSyncJob(ctx, q, j, prev.Status)
	if err != nil || !ok {
		*j = prev
		return false, err
	}
	return true, dc.RequestPass(ctx)
}

// Claim atomically moves a WAITING job dispatched with token to RUNNING on
// node. It returns nil when the job is not claimable: another worker won,
// the job was reset, or the token belongs to an older dispatch.
func (s *Store) Claim(ctx context.Context, id, token, node string) (*db.SyncJob, error) {
	var claimed *db.SyncJob
	err := s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		j, err := db.GetSyncJobForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		switch {
		case j.Status == StatusRunning:
			s.logger.Debug("job already claimed", "job_id", id, "node", j.ExecutionNode)
			return nil
		case j.Status != StatusWaiting:
			s.logger.Debug("job not waiting", "job_id", id, "status", j.Status)
			return nil
		case token != "" && (j.RunToken == nil || *j.RunToken != token):
			s.logger.Debug("stale dispatch token", "job_id", id)
			return nil
		}

		j.Status = StatusRunning
		j.ExecutionNode = node
		Stamp(j, s.now())
		ok, err := db.CompareAndUpdateSyncJob(ctx, tx, j, StatusWaiting)
		if err != nil {
			return err
		}
		if ok {
			claimed = j
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	return claimed, nil
}

// Get reloads a job
func (s *Store) Get(ctx context.Context, id string) (*db.SyncJob, error) {
	return db.GetSyncJob(ctx, s.db, id)
}

// UpdateStatus records a new status and explanation, stamping timing
// fields. Transient database failures are retried for the configured
// downtime tolerance.
func (s *Store) UpdateStatus(ctx context.Context, j *db.SyncJob, status, explanation string) error {
	j.Status = status
	if explanation != "" {
		j.Explanation = explanation
	}
	Stamp(j, s.now())

	return s.withRetry(ctx, func() error {
		return db.UpdateSyncJob(ctx, s.db, j)
	})
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var attempts uint64
	if s.config.RetrySlice > 0 {
		attempts = uint64(s.config.DowntimeTolerance / s.config.RetrySlice)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.config.RetrySlice), attempts),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		err := op()
		if db.IsNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("job update failed, retrying", "error", err, "wait", wait)
	})
}

// RecoverOrphans resets every WAITING job to PENDING with timing cleared,
// along with the RUNNING jobs of the given nodes and of any node without a
// live heartbeat. With no node named every RUNNING job is reset. The
// workers of those jobs are presumed dead.
func (s *Store) RecoverOrphans(ctx context.Context, nodes ...string) (int, error) {
	live := map[string]bool{}
	if len(nodes) > 0 {
		workers, err := s.canceller.Workers(ctx)
		if err != nil {
			return 0, fmt.Errorf("list live workers: %w", err)
		}
		for _, w := range workers {
			live[w.Instance] = true
		}
		for _, node := range nodes {
			delete(live, node)
		}
	}

	recovered := 0
	err := s.db.WithTransaction(ctx, func(tx *db.Tx) error {
		orphans, err := db.ListSyncJobsByStatus(ctx, tx, StatusWaiting)
		if err != nil {
			return err
		}
		running, err := db.ListSyncJobsByStatus(ctx, tx, StatusRunning)
		if err != nil {
			return err
		}
		for _, j := range running {
			if live[j.ExecutionNode] {
				continue
			}
			orphans = append(orphans, j)
		}

		for i := range orphans {
			j := &orphans[i]
			prev, node := j.Status, j.ExecutionNode
			j.Status = StatusPending
			resetTiming(j)
			ok, err := db.CompareAndUpdateSyncJob(ctx, tx, j, prev)
			if err != nil {
				return err
			}
			if ok {
				recovered++
				s.logger.Info("recovered orphaned job", "job_id", j.ID, "previous_status", prev, "node", node)
			}
		}
		return nil
	})
	return recovered, err
}

// Cancel cancels jobs by id. Jobs not yet dispatched end in CANCELED
// directly; dispatched ones get their cooperative flag raised. Jobs in a
// terminal status are skipped. It returns the ids acted upon.
func (s *Store) Cancel(ctx context.Context, ids []string) ([]string, error) {
	list, err := db.ListSyncJobsByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	var acted []string
	var errs []error
	for i := range list {
		j := &list[i]
		switch j.Status {
		case StatusNew, StatusPending:
			prev := j.Status
			j.Status = StatusCanceled
			j.Explanation = ExplanationCanceled
			Stamp(j, s.now())
			ok, err := db.CompareAndUpdateSyncJob(ctx, s.db, j, prev)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ok {
				// Dispatched meanwhile; fall back to the flag.
				if err := s.canceller.RequestCancel(ctx, j.ID, s.config.CancelTTL); err != nil {
					errs = append(errs, err)
					continue
				}
			}
		case StatusWaiting, StatusRunning:
			if err := s.canceller.RequestCancel(ctx, j.ID, s.config.CancelTTL); err != nil {
				errs = append(errs, err)
				continue
			}
		default:
			continue
		}
		acted = append(acted, j.ID)
	}
	return acted, errors.Join(errs...)
}

// ListRunning returns the RUNNING jobs claimed by node
func (s *Store) ListRunning(ctx context.Context, node string) ([]db.SyncJob, error) {
	return db.ListSyncJobsByNode(ctx, s.db, node, StatusRunning)
}

// NewRunToken returns a fresh dispatch token
func NewRunToken() string {
	return uuid.NewString()
}
