package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Cluster Operations
// =============================================================================

const clusterColumns = `id, protocol, address, port, verify_ssl, access_token, refresh_token,
	client_id, client_secret, api_version, last_job_finished_date, cooldown_until, created_at, updated_at`

func scanCluster(row interface{ Scan(...any) error }) (*Cluster, error) {
	c := &Cluster{}
	err := row.Scan(
		&c.ID,
		&c.Protocol,
		&c.Address,
		&c.Port,
		&c.VerifySSL,
		&c.AccessToken,
		&c.RefreshToken,
		&c.ClientID,
		&c.ClientSecret,
		&c.APIVersion,
		&c.LastJobFinishedDate,
		&c.CooldownUntil,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCluster inserts a new cluster, assigning an id when empty
func CreateCluster(ctx context.Context, q Querier, c *Cluster) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.Protocol, c.Address, c.Port, c.VerifySSL, c.AccessToken, c.RefreshToken,
		c.ClientID, c.ClientSecret, c.APIVersion, utcPtr(c.LastJobFinishedDate), utcPtr(c.CooldownUntil),
		c.CreatedAt, c.UpdatedAt,
	)
	return err
}

// GetCluster retrieves a cluster by id
func GetCluster(ctx context.Context, q Querier, id string) (*Cluster, error) {
	row := q.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	return scanCluster(row)
}

// FindClusterByAddress retrieves a cluster by its network identity
func FindClusterByAddress(ctx context.Context, q Querier, protocol, address string, port int) (*Cluster, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+clusterColumns+` FROM clusters
		WHERE protocol = ? AND address = ? AND port = ?
	`, protocol, address, port)
	return scanCluster(row)
}

// ListClusters returns all clusters ordered by address
func ListClusters(ctx context.Context, q Querier) ([]Cluster, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY address, port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clusters := []Cluster{}
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, *c)
	}
	return clusters, rows.Err()
}

// UpdateCluster updates the connection settings and credentials of a cluster
func UpdateCluster(ctx context.Context, q Querier, c *Cluster) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := q.ExecContext(ctx, `
		UPDATE clusters
		SET protocol = ?, address = ?, port = ?, verify_ssl = ?, access_token = ?, refresh_token = ?,
			client_id = ?, client_secret = ?, updated_at = ?
		WHERE id = ?
	`,
		c.Protocol, c.Address, c.Port, c.VerifySSL, c.AccessToken, c.RefreshToken,
		c.ClientID, c.ClientSecret, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// UpdateClusterTokens stores a refreshed OAuth token pair
func UpdateClusterTokens(ctx context.Context, q Querier, id, accessToken, refreshToken string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE clusters SET access_token = ?, refresh_token = ?, updated_at = ? WHERE id = ?
	`, accessToken, refreshToken, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetClusterAPIVersion records the detected API flavor of a cluster
func SetClusterAPIVersion(ctx context.Context, q Querier, id, version string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE clusters SET api_version = ?, updated_at = ? WHERE id = ?
	`, version, time.Now().UTC(), id)
	return err
}

// AdvanceClusterWatermark moves last_job_finished_date forward to finished.
// The watermark never moves backwards; returns whether it changed.
func AdvanceClusterWatermark(ctx context.Context, q Querier, id string, finished time.Time) (bool, error) {
	finished = utc(finished)
	result, err := q.ExecContext(ctx, `
		UPDATE clusters SET last_job_finished_date = ?, updated_at = ?
		WHERE id = ? AND (last_job_finished_date IS NULL OR last_job_finished_date < ?)
	`, finished, time.Now().UTC(), id, finished)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetClusterCooldown sets or clears (until == nil) the cooldown window
func SetClusterCooldown(ctx context.Context, q Querier, id string, until *time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE clusters SET cooldown_until = ?, updated_at = ? WHERE id = ?
	`, utcPtr(until), time.Now().UTC(), id)
	return err
}

// ClustersInCooldown returns the ids of clusters whose cooldown extends past now
func ClustersInCooldown(ctx context.Context, q Querier, now time.Time) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM clusters WHERE cooldown_until IS NOT NULL AND cooldown_until > ?
	`, utc(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}
