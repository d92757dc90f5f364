// Package schedules keeps the computed fields of a schedule (next_run,
// dtstart and dtend) consistent with its recurrence rule.
package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/recurrence"
)

// Recompute re-coerces the stored rule and refreshes next_run, dtstart and
// dtend at now. It reports whether any of the three computed fields changed.
// A disabled schedule always ends with a nil next_run.
func Recompute(s *db.Schedule, now time.Time) (bool, error) {
	changed, err := recompute(s, now)
	if err != nil {
		return false, err
	}
	return lo.Contains(changed, db.ScheduleFieldNextRun) ||
		lo.Contains(changed, db.ScheduleFieldDTStart) ||
		lo.Contains(changed, db.ScheduleFieldDTEnd), nil
}

// recompute returns the names of the fields it modified, including the rule
// itself when coercion rewrote it.
func recompute(s *db.Schedule, now time.Time) ([]string, error) {
	set, err := recurrence.Parse(s.RRule, now, true)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	// dtstart is the first occurrence of the rule as written, never of the
	// fast-forwarded set.
	unshifted, err := recurrence.Parse(set.Rule, now, false)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", s.Name, err)
	}

	var nextRun *time.Time
	if s.Enabled {
		nextRun = set.After(now)
	}
	dtstart := unshifted.First()
	dtend := set.EndDate()

	var changed []string
	if set.Rule != s.RRule {
		s.RRule = set.Rule
		changed = append(changed, db.ScheduleFieldRRule)
	}
	if !sameTime(s.NextRun, nextRun) {
		s.NextRun = nextRun
		changed = append(changed, db.ScheduleFieldNextRun)
	}
	if !sameTime(s.DTStart, dtstart) {
		s.DTStart = dtstart
		changed = append(changed, db.ScheduleFieldDTStart)
	}
	if !sameTime(s.DTEnd, dtend) {
		s.DTEnd = dtend
		changed = append(changed, db.ScheduleFieldDTEnd)
	}
	return changed, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Save recomputes s and persists it in one transaction. New schedules
// (zero CreatedAt) are inserted. When fields name a partial update, the
// computed fields that changed are written along with them.
func Save(ctx context.Context, database *db.DB, s *db.Schedule, fields ...string) error {
	return database.WithTransaction(ctx, func(tx *db.Tx) error {
		return SaveTx(ctx, tx, s, time.Now().UTC(), fields...)
	})
}

// SaveTx is Save inside a caller supplied transaction with an explicit clock
func SaveTx(ctx context.Context, q db.Querier, s *db.Schedule, now time.Time, fields ...string) error {
	changed, err := recompute(s, now)
	if err != nil {
		return err
	}

	if s.CreatedAt.IsZero() {
		return db.CreateSchedule(ctx, q, s)
	}
	if len(fields) > 0 {
		fields = lo.Union(fields, changed)
	}
	return db.UpdateSchedule(ctx, q, s, fields...)
}

// Preview returns up to n occurrences of rule strictly after now
func Preview(rule string, now time.Time, n int) ([]time.Time, error) {
	set, err := recurrence.Parse(rule, now, true)
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, n)
	for o := range set.All() {
		if len(out) >= n {
			break
		}
		if o.After(now) {
			out = append(out, o)
		}
	}
	return out, nil
}
