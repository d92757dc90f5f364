package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Job Operations
// =============================================================================

const jobColumns = `id, cluster_id, external_id, name, description, type, launch_type, status, failed,
	started, finished, elapsed, organization_id, job_template_id, launched_by_id, inventory_id,
	execution_environment_id, instance_group_id, project_id, num_hosts, changed_hosts_count,
	dark_hosts_count, failures_count, ok_hosts_count, processed_hosts_count, skipped_hosts_count,
	failed_hosts_count, ignored_hosts_count, rescued_hosts_count, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	c := &j.Counters
	err := row.Scan(
		&j.ID, &j.ClusterID, &j.ExternalID, &j.Name, &j.Description, &j.Type, &j.LaunchType, &j.Status, &j.Failed,
		&j.Started, &j.Finished, &j.Elapsed, &j.OrganizationID, &j.JobTemplateID, &j.LaunchedByID, &j.InventoryID,
		&j.ExecutionEnvironmentID, &j.InstanceGroupID, &j.ProjectID, &c.NumHosts, &c.Changed,
		&c.Dark, &c.Failures, &c.Ok, &c.Processed, &c.Skipped,
		&c.Failed, &c.Ignored, &c.Rescued, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// FindJobByExternalID looks up a job by (cluster, external_id)
func FindJobByExternalID(ctx context.Context, q Querier, clusterID string, externalID int64) (*Job, error) {
	return scanJob(q.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE cluster_id = ? AND external_id = ?
	`, clusterID, externalID))
}

// CountJobs returns the number of jobs recorded for a cluster
func CountJobs(ctx context.Context, q Querier, clusterID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE cluster_id = ?`, clusterID).Scan(&n)
	return n, err
}

// CreateJob inserts a job, assigning an id when empty
func CreateJob(ctx context.Context, q Querier, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	c := j.Counters

	_, err := q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID, j.ClusterID, j.ExternalID, j.Name, j.Description, j.Type, j.LaunchType, j.Status, j.Failed,
		utcPtr(j.Started), utcPtr(j.Finished), j.Elapsed, j.OrganizationID, j.JobTemplateID, j.LaunchedByID, j.InventoryID,
		j.ExecutionEnvironmentID, j.InstanceGroupID, j.ProjectID, c.NumHosts, c.Changed,
		c.Dark, c.Failures, c.Ok, c.Processed, c.Skipped,
		c.Failed, c.Ignored, c.Rescued, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

// UpdateJob writes every mutable column of j
func UpdateJob(ctx context.Context, q Querier, j *Job) error {
	j.UpdatedAt = time.Now().UTC()
	c := j.Counters

	result, err := q.ExecContext(ctx, `
		UPDATE jobs
		SET name = ?, description = ?, type = ?, launch_type = ?, status = ?, failed = ?,
			started = ?, finished = ?, elapsed = ?, organization_id = ?, job_template_id = ?, launched_by_id = ?,
			inventory_id = ?, execution_environment_id = ?, instance_group_id = ?, project_id = ?,
			num_hosts = ?, changed_hosts_count = ?, dark_hosts_count = ?, failures_count = ?, ok_hosts_count = ?,
			processed_hosts_count = ?, skipped_hosts_count = ?, failed_hosts_count = ?, ignored_hosts_count = ?,
			rescued_hosts_count = ?, updated_at = ?
		WHERE id = ?
	`,
		j.Name, j.Description, j.Type, j.LaunchType, j.Status, j.Failed,
		utcPtr(j.Started), utcPtr(j.Finished), j.Elapsed, j.OrganizationID, j.JobTemplateID, j.LaunchedByID,
		j.InventoryID, j.ExecutionEnvironmentID, j.InstanceGroupID, j.ProjectID,
		c.NumHosts, c.Changed, c.Dark, c.Failures, c.Ok,
		c.Processed, c.Skipped, c.Failed, c.Ignored,
		c.Rescued, j.UpdatedAt, j.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// =============================================================================
// Job Label Operations
// =============================================================================

// ListJobLabelIDs returns the label ids attached to a job
func ListJobLabelIDs(ctx context.Context, q Querier, jobID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT label_id FROM job_labels WHERE job_id = ? ORDER BY label_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddJobLabel attaches a label to a job
func AddJobLabel(ctx context.Context, q Querier, jobID, labelID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO job_labels (id, job_id, label_id) VALUES (?, ?, ?)
	`, uuid.NewString(), jobID, labelID)
	return err
}

// RemoveJobLabel detaches a label from a job
func RemoveJobLabel(ctx context.Context, q Querier, jobID, labelID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM job_labels WHERE job_id = ? AND label_id = ?`, jobID, labelID)
	return err
}

// =============================================================================
// Job Host Summary Operations
// =============================================================================

// DeleteJobHostSummaries removes every host summary of a job
func DeleteJobHostSummaries(ctx context.Context, q Querier, jobID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM job_host_summaries WHERE job_id = ?`, jobID)
	return err
}

// CreateJobHostSummary inserts one host summary
func CreateJobHostSummary(ctx context.Context, q Querier, s *JobHostSummary) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO job_host_summaries (id, job_id, host_id, host_name, changed, dark, failures, ok,
			processed, skipped, failed, ignored, rescued, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.JobID, s.HostID, s.HostName, s.Changed, s.Dark, s.Failures, s.Ok,
		s.Processed, s.Skipped, s.Failed, s.Ignored, s.Rescued, s.CreatedAt,
	)
	return err
}

// ListJobHostSummaries returns the host summaries of a job ordered by host name
func ListJobHostSummaries(ctx context.Context, q Querier, jobID string) ([]JobHostSummary, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, job_id, host_id, host_name, changed, dark, failures, ok, processed, skipped,
			failed, ignored, rescued, created_at
		FROM job_host_summaries WHERE job_id = ? ORDER BY host_name
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []JobHostSummary{}
	for rows.Next() {
		var s JobHostSummary
		if err := rows.Scan(
			&s.ID, &s.JobID, &s.HostID, &s.HostName, &s.Changed, &s.Dark, &s.Failures, &s.Ok,
			&s.Processed, &s.Skipped, &s.Failed, &s.Ignored, &s.Rescued, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// SumJobHostSummaries aggregates the host summaries of a job into counters
func SumJobHostSummaries(ctx context.Context, q Querier, jobID string) (HostCounters, error) {
	var c HostCounters
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(changed), 0),
			COALESCE(SUM(dark), 0),
			COALESCE(SUM(failures), 0),
			COALESCE(SUM(ok), 0),
			COALESCE(SUM(processed), 0),
			COALESCE(SUM(skipped), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(ignored), 0),
			COALESCE(SUM(rescued), 0)
		FROM job_host_summaries WHERE job_id = ?
	`, jobID).Scan(
		&c.NumHosts, &c.Changed, &c.Dark, &c.Failures, &c.Ok,
		&c.Processed, &c.Skipped, &c.Failed, &c.Ignored, &c.Rescued,
	)
	return c, err
}
