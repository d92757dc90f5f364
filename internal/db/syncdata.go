package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ClusterSyncData Operations
// =============================================================================

// CreateClusterSyncData stages one fetched payload
func CreateClusterSyncData(ctx context.Context, q Querier, d *ClusterSyncData) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO cluster_sync_data (id, cluster_id, data, last_job_finished_date, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.ClusterID, d.Data, utcPtr(d.LastJobFinishedDate), d.CreatedAt)
	return err
}

// GetClusterSyncData retrieves a staged payload by id
func GetClusterSyncData(ctx context.Context, q Querier, id string) (*ClusterSyncData, error) {
	d := &ClusterSyncData{}
	err := q.QueryRowContext(ctx, `
		SELECT id, cluster_id, data, last_job_finished_date, created_at
		FROM cluster_sync_data WHERE id = ?
	`, id).Scan(&d.ID, &d.ClusterID, &d.Data, &d.LastJobFinishedDate, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// CountClusterSyncData returns the number of staged payloads for a cluster
func CountClusterSyncData(ctx context.Context, q Querier, clusterID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cluster_sync_data WHERE cluster_id = ?`, clusterID).Scan(&n)
	return n, err
}

// DeleteClusterSyncData removes a staged payload
func DeleteClusterSyncData(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM cluster_sync_data WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}
