package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Schedule Operations
// =============================================================================

const scheduleColumns = `id, name, rrule, enabled, dtstart, dtend, next_run, cluster_id, created_at, updated_at`

// Schedule fields that may be named in a partial update
const (
	ScheduleFieldName    = "name"
	ScheduleFieldRRule   = "rrule"
	ScheduleFieldEnabled = "enabled"
	ScheduleFieldDTStart = "dtstart"
	ScheduleFieldDTEnd   = "dtend"
	ScheduleFieldNextRun = "next_run"
)

func scheduleFieldValue(s *Schedule, field string) (any, error) {
	switch field {
	case ScheduleFieldName:
		return s.Name, nil
	case ScheduleFieldRRule:
		return s.RRule, nil
	case ScheduleFieldEnabled:
		return s.Enabled, nil
	case ScheduleFieldDTStart:
		return utcPtr(s.DTStart), nil
	case ScheduleFieldDTEnd:
		return utcPtr(s.DTEnd), nil
	case ScheduleFieldNextRun:
		return utcPtr(s.NextRun), nil
	}
	return nil, fmt.Errorf("unknown schedule field: %s", field)
}

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	s := &Schedule{}
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.RRule,
		&s.Enabled,
		&s.DTStart,
		&s.DTEnd,
		&s.NextRun,
		&s.ClusterID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func querySchedules(ctx context.Context, q Querier, query string, args ...any) ([]Schedule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := []Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

// CreateSchedule inserts a schedule, assigning an id when empty
func CreateSchedule(ctx context.Context, q Querier, s *Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.Name, s.RRule, s.Enabled, utcPtr(s.DTStart), utcPtr(s.DTEnd), utcPtr(s.NextRun),
		s.ClusterID, s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetSchedule retrieves a schedule by id
func GetSchedule(ctx context.Context, q Querier, id string) (*Schedule, error) {
	return scanSchedule(q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
}

// FindScheduleByName retrieves a cluster's schedule by name
func FindScheduleByName(ctx context.Context, q Querier, clusterID, name string) (*Schedule, error) {
	return scanSchedule(q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules WHERE cluster_id = ? AND name = ?
	`, clusterID, name))
}

// ListSchedules returns every schedule, optionally only the enabled ones
func ListSchedules(ctx context.Context, q Querier, enabledOnly bool) ([]Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	return querySchedules(ctx, q, query+` ORDER BY name`)
}

// SchedulesDueBetween returns enabled schedules with from <= next_run <= to
func SchedulesDueBetween(ctx context.Context, q Querier, from, to time.Time) ([]Schedule, error) {
	return querySchedules(ctx, q, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = TRUE AND next_run IS NOT NULL AND next_run >= ? AND next_run <= ?
		ORDER BY next_run
	`, utc(from), utc(to))
}

// SchedulesMissedBefore returns enabled schedules whose next_run is before t
func SchedulesMissedBefore(ctx context.Context, q Querier, t time.Time) ([]Schedule, error) {
	return querySchedules(ctx, q, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = TRUE AND next_run IS NOT NULL AND next_run < ?
		ORDER BY next_run
	`, utc(t))
}

// UpdateSchedule writes the named fields of s, or every mutable field when
// none are named.
func UpdateSchedule(ctx context.Context, q Querier, s *Schedule, fields ...string) error {
	if len(fields) == 0 {
		fields = []string{
			ScheduleFieldName,
			ScheduleFieldRRule,
			ScheduleFieldEnabled,
			ScheduleFieldDTStart,
			ScheduleFieldDTEnd,
			ScheduleFieldNextRun,
		}
	}

	s.UpdatedAt = time.Now().UTC()
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		v, err := scheduleFieldValue(s, f)
		if err != nil {
			return err
		}
		sets = append(sets, f+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.UpdatedAt, s.ID)

	result, err := q.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// DeleteSchedule removes a schedule by id
func DeleteSchedule(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}
