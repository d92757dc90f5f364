package schedules

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/testutil"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func TestRecompute_SingleOccurrence(t *testing.T) {
	s := &db.Schedule{
		Name:    "once",
		RRule:   "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;INTERVAL=1;COUNT=1",
		Enabled: true,
	}

	changed, err := Recompute(s, now)
	require.NoError(t, err)
	assert.True(t, changed)

	want := time.Date(2030, 1, 12, 21, 0, 0, 0, time.UTC)
	require.NotNil(t, s.NextRun)
	require.NotNil(t, s.DTStart)
	require.NotNil(t, s.DTEnd)
	assert.True(t, s.NextRun.Equal(want))
	assert.True(t, s.DTStart.Equal(want))
	assert.True(t, s.DTEnd.Equal(want))

	changed, err = Recompute(s, now)
	require.NoError(t, err)
	assert.False(t, changed, "second recompute at the same instant changes nothing")
}

func TestRecompute_Disabled(t *testing.T) {
	rules := []string{
		"DTSTART:20300112T210000Z RRULE:FREQ=DAILY;INTERVAL=1;COUNT=1",
		"DTSTART;TZID=America/New_York:20250101T090000 RRULE:FREQ=HOURLY;INTERVAL=2",
		"DTSTART:20200101T000000Z RRULE:FREQ=MINUTELY;INTERVAL=15",
	}

	for _, rule := range rules {
		next := now.Add(time.Hour)
		s := &db.Schedule{Name: "off", RRule: rule, Enabled: false, NextRun: &next}

		_, err := Recompute(s, now)
		require.NoError(t, err)
		assert.Nil(t, s.NextRun, rule)
		assert.NotNil(t, s.DTStart, rule)
	}
}

func TestRecompute_CoercesNaiveUntil(t *testing.T) {
	s := &db.Schedule{
		Name:    "ljubljana",
		RRule:   "DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=HOURLY;INTERVAL=1;UNTIL=20380601T170000",
		Enabled: true,
	}

	_, err := Recompute(s, now)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(s.RRule, "UNTIL=20380601T150000Z"), s.RRule)
	require.NotNil(t, s.DTEnd)
	assert.Equal(t, time.Date(2038, 6, 1, 15, 0, 0, 0, time.UTC), s.DTEnd.UTC())
}

func TestRecompute_Unbounded(t *testing.T) {
	s := &db.Schedule{
		Name:    "hourly",
		RRule:   "DTSTART:20200101T000000Z RRULE:FREQ=HOURLY;INTERVAL=1",
		Enabled: true,
	}

	_, err := Recompute(s, now)
	require.NoError(t, err)
	assert.Nil(t, s.DTEnd)
	require.NotNil(t, s.NextRun)
	assert.Equal(t, now.Add(time.Hour), *s.NextRun)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), *s.DTStart)
}

func TestRecompute_DTStartIgnoresFastForward(t *testing.T) {
	s := &db.Schedule{
		Name:    "every-15m",
		RRule:   "DTSTART:20200101T000500Z RRULE:FREQ=MINUTELY;INTERVAL=15",
		Enabled: true,
	}
	first := time.Date(2020, 1, 1, 0, 5, 0, 0, time.UTC)

	_, err := Recompute(s, now)
	require.NoError(t, err)
	require.NotNil(t, s.DTStart)
	assert.Equal(t, first, s.DTStart.UTC())
	require.NotNil(t, s.NextRun)
	assert.Equal(t, now.Add(5*time.Minute), s.NextRun.UTC())

	later := now.Add(24 * time.Hour)
	changed, err := recompute(s, later)
	require.NoError(t, err)
	assert.Equal(t, []string{db.ScheduleFieldNextRun}, changed, "only next_run moves")
	assert.Equal(t, first, s.DTStart.UTC())
	assert.Equal(t, later.Add(5*time.Minute), s.NextRun.UTC())
}

func TestRecompute_InvalidRule(t *testing.T) {
	s := &db.Schedule{Name: "naive", RRule: "DTSTART:20300112T210000 RRULE:FREQ=DAILY", Enabled: true}
	_, err := Recompute(s, now)
	assert.Error(t, err)
}

func TestSave_CreatesAndUpdates(t *testing.T) {
	database := testutil.NewTestDB(t)
	cluster := testutil.MakeCluster(t, database, "aap.example.com")
	ctx := context.Background()

	s := &db.Schedule{
		Name:      "nightly",
		RRule:     "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;COUNT=3",
		Enabled:   true,
		ClusterID: cluster.ID,
	}
	require.NoError(t, Save(ctx, database, s))

	stored, err := db.GetSchedule(ctx, database, s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(time.Date(2030, 1, 12, 21, 0, 0, 0, time.UTC)))
	require.NotNil(t, stored.DTEnd)
	assert.True(t, stored.DTEnd.Equal(time.Date(2030, 1, 14, 21, 0, 0, 0, time.UTC)))

	// A partial update of enabled must also write the cleared next_run.
	stored.Enabled = false
	require.NoError(t, Save(ctx, database, stored, db.ScheduleFieldEnabled))

	reloaded, err := db.GetSchedule(ctx, database, s.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Enabled)
	assert.Nil(t, reloaded.NextRun)
	assert.NotNil(t, reloaded.DTEnd)
}

func TestSaveTx_PartialUpdateAppendsRule(t *testing.T) {
	database := testutil.NewTestDB(t)
	cluster := testutil.MakeCluster(t, database, "aap.example.com")
	ctx := context.Background()

	s := &db.Schedule{
		Name:      "window",
		RRule:     "DTSTART:20300112T210000Z RRULE:FREQ=DAILY;COUNT=1",
		Enabled:   true,
		ClusterID: cluster.ID,
	}
	require.NoError(t, SaveTx(ctx, database, s, now))

	s.Name = "window-renamed"
	s.RRule = "DTSTART;TZID=Europe/Ljubljana:20380601T120000 RRULE:FREQ=DAILY;UNTIL=20380603T170000"
	require.NoError(t, SaveTx(ctx, database, s, now, db.ScheduleFieldName))

	stored, err := db.GetSchedule(ctx, database, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "window-renamed", stored.Name)
	assert.Contains(t, stored.RRule, "UNTIL=20380603T150000Z")
	require.NotNil(t, stored.NextRun)
	assert.True(t, stored.NextRun.Equal(time.Date(2038, 6, 1, 10, 0, 0, 0, time.UTC)))
}

func TestSave_RejectsInvalidRule(t *testing.T) {
	database := testutil.NewTestDB(t)
	cluster := testutil.MakeCluster(t, database, "aap.example.com")

	s := &db.Schedule{Name: "broken", RRule: "RRULE:FREQ=DAILY", Enabled: true, ClusterID: cluster.ID}
	require.Error(t, Save(context.Background(), database, s))

	list, err := db.ListSchedules(context.Background(), database, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPreview(t *testing.T) {
	got, err := Preview("DTSTART:20300101T000000Z RRULE:FREQ=HOURLY;INTERVAL=6", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2030, 1, 1, 6, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2030, 1, 1, 18, 0, 0, 0, time.UTC),
	}, got)
}
