package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SyncJob Operations
// =============================================================================

const syncJobColumns = `id, name, status, type, launch_type, cluster_id, cluster_sync_data_id, job_args,
	run_token, execution_node, started, finished, elapsed, explanation, created_at, updated_at`

func scanSyncJob(row interface{ Scan(...any) error }) (*SyncJob, error) {
	j := &SyncJob{}
	err := row.Scan(
		&j.ID,
		&j.Name,
		&j.Status,
		&j.Type,
		&j.LaunchType,
		&j.ClusterID,
		&j.ClusterSyncDataID,
		&j.JobArgs,
		&j.RunToken,
		&j.ExecutionNode,
		&j.Started,
		&j.Finished,
		&j.Elapsed,
		&j.Explanation,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func querySyncJobs(ctx context.Context, q Querier, query string, args ...any) ([]SyncJob, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []SyncJob{}
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CreateSyncJob inserts a sync job. Id and created_at are assigned when unset.
func CreateSyncJob(ctx context.Context, q Querier, j *SyncJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_jobs (`+syncJobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.Name, j.Status, j.Type, j.LaunchType, j.ClusterID, j.ClusterSyncDataID, j.JobArgs,
		j.RunToken, j.ExecutionNode, utcPtr(j.Started), utcPtr(j.Finished), j.Elapsed, j.Explanation,
		utc(j.CreatedAt), j.UpdatedAt,
	)
	return err
}

// GetSyncJob retrieves a sync job by id
func GetSyncJob(ctx context.Context, q Querier, id string) (*SyncJob, error) {
	return scanSyncJob(q.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id))
}

// GetSyncJobForUpdate retrieves a sync job and row-locks it for the
// remainder of the transaction.
func GetSyncJobForUpdate(ctx context.Context, tx *Tx, id string) (*SyncJob, error) {
	return scanSyncJob(tx.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`+forUpdate(tx), id))
}

// ListSyncJobsByStatus returns jobs in any of the statuses, oldest first
func ListSyncJobsByStatus(ctx context.Context, q Querier, statuses ...string) ([]SyncJob, error) {
	return querySyncJobs(ctx, q, `
		SELECT `+syncJobColumns+` FROM sync_jobs
		WHERE status IN `+inClause(len(statuses))+`
		ORDER BY created_at, id
	`, stringArgs(statuses)...)
}

// ListSyncJobsByTypeStatus returns up to limit jobs of a type in a status,
// oldest first, skipping jobs of the excluded clusters
func ListSyncJobsByTypeStatus(ctx context.Context, q Querier, jobType, status string, limit int, excludeClusters ...string) ([]SyncJob, error) {
	query := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE type = ? AND status = ?`
	args := []any{jobType, status}
	if len(excludeClusters) > 0 {
		query += ` AND cluster_id NOT IN ` + inClause(len(excludeClusters))
		args = append(args, stringArgs(excludeClusters)...)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	return querySyncJobs(ctx, q, query, append(args, limit)...)
}

// ListSyncJobsByNode returns the jobs an instance claimed that are in any of the statuses
func ListSyncJobsByNode(ctx context.Context, q Querier, node string, statuses ...string) ([]SyncJob, error) {
	args := append([]any{node}, stringArgs(statuses)...)
	return querySyncJobs(ctx, q, `
		SELECT `+syncJobColumns+` FROM sync_jobs
		WHERE execution_node = ? AND status IN `+inClause(len(statuses))+`
		ORDER BY created_at, id
	`, args...)
}

// ListSyncJobsByIDs returns the jobs with the given ids
func ListSyncJobsByIDs(ctx context.Context, q Querier, ids []string) ([]SyncJob, error) {
	return querySyncJobs(ctx, q, `
		SELECT `+syncJobColumns+` FROM sync_jobs WHERE id IN `+inClause(len(ids))+` ORDER BY created_at, id
	`, stringArgs(ids)...)
}

// CountSyncJobsByStatus returns the number of jobs per status
func CountSyncJobsByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateSyncJob writes every mutable column of j
func UpdateSyncJob(ctx context.Context, q Querier, j *SyncJob) error {
	ok, err := CompareAndUpdateSyncJob(ctx, q, j, "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// CompareAndUpdateSyncJob writes every mutable column of j provided the
// stored status still equals expectStatus. An empty expectStatus matches
// any status. Returns whether a row was written.
func CompareAndUpdateSyncJob(ctx context.Context, q Querier, j *SyncJob, expectStatus string) (bool, error) {
	j.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE sync_jobs
		SET name = ?, status = ?, cluster_sync_data_id = ?, job_args = ?, run_token = ?, execution_node = ?,
			started = ?, finished = ?, elapsed = ?, explanation = ?, updated_at = ?
		WHERE id = ?`
	args := []any{
		j.Name, j.Status, j.ClusterSyncDataID, j.JobArgs, j.RunToken, j.ExecutionNode,
		utcPtr(j.Started), utcPtr(j.Finished), j.Elapsed, j.Explanation, j.UpdatedAt, j.ID,
	}
	if expectStatus != "" {
		query += ` AND status = ?`
		args = append(args, expectStatus)
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeleteSyncJob removes a sync job by id
func DeleteSyncJob(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}
