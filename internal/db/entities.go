package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Side Entity Operations
// =============================================================================

func (k EntityKind) valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

func (k EntityKind) table() (string, error) {
	if !k.valid() {
		return "", fmt.Errorf("unknown entity kind: %q", string(k))
	}
	return string(k), nil
}

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	e := &Entity{}
	err := row.Scan(&e.ID, &e.ClusterID, &e.ExternalID, &e.Name, &e.Description, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// FindEntityByExternalID looks up a side entity by (cluster, external_id)
func FindEntityByExternalID(ctx context.Context, q Querier, kind EntityKind, clusterID string, externalID int64) (*Entity, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	return scanEntity(q.QueryRowContext(ctx, `
		SELECT id, cluster_id, external_id, name, description, created_at, updated_at
		FROM `+table+`
		WHERE cluster_id = ? AND external_id = ?
		ORDER BY created_at
		LIMIT 1
	`, clusterID, externalID))
}

// FindEntityByName looks up a side entity by (cluster, name). Entities
// with a real external id are preferred over placeholders.
func FindEntityByName(ctx context.Context, q Querier, kind EntityKind, clusterID, name string) (*Entity, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	return scanEntity(q.QueryRowContext(ctx, `
		SELECT id, cluster_id, external_id, name, description, created_at, updated_at
		FROM `+table+`
		WHERE cluster_id = ? AND name = ?
		ORDER BY external_id DESC, created_at
		LIMIT 1
	`, clusterID, name))
}

// CreateEntity inserts a side entity, assigning an id when empty
func CreateEntity(ctx context.Context, q Querier, kind EntityKind, e *Entity) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err = q.ExecContext(ctx, `
		INSERT INTO `+table+` (id, cluster_id, external_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ClusterID, e.ExternalID, e.Name, e.Description, e.CreatedAt, e.UpdatedAt)
	return err
}

// UpdateEntity writes the mutable fields of a side entity, including
// external_id so a placeholder can adopt its real id
func UpdateEntity(ctx context.Context, q Querier, kind EntityKind, e *Entity) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()

	result, err := q.ExecContext(ctx, `
		UPDATE `+table+` SET external_id = ?, name = ?, description = ?, updated_at = ? WHERE id = ?
	`, e.ExternalID, e.Name, e.Description, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// CountEntities returns the number of side entities of a kind in a cluster
func CountEntities(ctx context.Context, q Querier, kind EntityKind, clusterID string) (int, error) {
	table, err := kind.table()
	if err != nil {
		return 0, err
	}
	var n int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE cluster_id = ?`, clusterID).Scan(&n)
	return n, err
}

// UpsertEntity resolves e by (cluster, external_id), creating it when absent
// and updating name and description in place otherwise. On return e holds
// the stored row id.
func UpsertEntity(ctx context.Context, q Querier, kind EntityKind, e *Entity) error {
	existing, err := FindEntityByExternalID(ctx, q, kind, e.ClusterID, e.ExternalID)
	if IsNotFound(err) {
		return CreateEntity(ctx, q, kind, e)
	}
	if err != nil {
		return err
	}

	e.ID = existing.ID
	e.CreatedAt = existing.CreatedAt
	if existing.Name == e.Name && existing.Description == e.Description {
		e.UpdatedAt = existing.UpdatedAt
		return nil
	}
	return UpdateEntity(ctx, q, kind, e)
}
