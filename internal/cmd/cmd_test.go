package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/dispatch"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/metrics"
	"github.com/livinlefevreloca/aapsync/internal/testutil"
)

const clusterFile = `
clusters:
  - address: aap.example.com
    schedules:
      - name: nightly
        rrule: "DTSTART:20300101T020000Z RRULE:FREQ=DAILY"
`

type env struct {
	dir        string
	configPath string
	dsn        string
	queue      *dispatch.Queue
}

// newEnv writes a config pointing at a temporary SQLite file and an
// in-memory redis server
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	server, client := testutil.NewTestRedis(t)
	dsn := filepath.Join(dir, "aapsync.db") + "?_busy_timeout=5000&_foreign_keys=on"

	content := fmt.Sprintf(`
[database]
driver = "sqlite3"
dsn = %q

[redis]
url = "redis://%s/0"
namespace = "clitest"

[worker]
instance = "cli-test"

[logging]
level = "error"
`, dsn, server.Addr())
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return &env{
		dir:        dir,
		configPath: path,
		dsn:        dsn,
		queue:      dispatch.NewQueue(client, "clitest"),
	}
}

// exec runs the command tree and returns its standard output
func (e *env) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) open(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(db.DriverSQLite, e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func (e *env) importClusters(t *testing.T) *db.Cluster {
	t.Helper()
	path := filepath.Join(e.dir, "clusters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(clusterFile), 0o644))

	out, err := e.exec(t, "import-clusters", path)
	require.NoError(t, err)
	assert.Contains(t, out, "clusters: 1 created, 0 updated")
	assert.Contains(t, out, "schedules: 1 created, 0 updated")

	cluster, err := db.FindClusterByAddress(context.Background(), e.open(t), "https", "aap.example.com", 443)
	require.NoError(t, err)
	return cluster
}

func TestMigrate(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")

	out, err = e.exec(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")
}

func TestImportClusters(t *testing.T) {
	e := newEnv(t)
	cluster := e.importClusters(t)

	schedule, err := db.FindScheduleByName(context.Background(), e.open(t), cluster.ID, "nightly")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextRun)
	assert.True(t, schedule.NextRun.Equal(time.Date(2030, 1, 1, 2, 0, 0, 0, time.UTC)))
}

func TestImportClusters_MissingFile(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec(t, "import-clusters", filepath.Join(e.dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestSyncHistoricalThenCancel(t *testing.T) {
	e := newEnv(t)
	cluster := e.importClusters(t)

	out, err := e.exec(t, "sync-historical",
		"--cluster", cluster.ID,
		"--since", "2026-01-01",
		"--until", "2026-01-03",
	)
	require.NoError(t, err)
	ids := strings.Fields(out)
	require.Len(t, ids, 2, "one job per day")

	woken, err := e.queue.WaitWake(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, woken, "a scheduler pass is requested")

	out, err = e.exec(t, "worker", "--cancel", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, "cancel requested: "+ids[0])

	canceled, err := db.GetSyncJob(context.Background(), e.open(t), ids[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCanceled, canceled.Status)

	out, err = e.exec(t, "worker", "--cancel", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, "not cancelable: "+ids[0])
}

func TestSyncHistorical_RequiresFlags(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec(t, "sync-historical", "--since", "2026-01-01")
	assert.ErrorContains(t, err, "cluster")

	_, err = e.exec(t, "sync-historical", "--cluster", "c", "--since", "yesterday")
	assert.ErrorContains(t, err, "--since")
}

func TestWorkerStatus(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "worker", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "no live workers")

	now := time.Now()
	require.NoError(t, e.queue.Heartbeat(context.Background(), dispatch.WorkerInfo{
		Instance:  "worker-9",
		StartedAt: now.Add(-time.Hour),
		SeenAt:    now,
		Running:   []string{"a", "b"},
		Capacity:  map[string]int{jobs.TypeSyncJobs: 4, jobs.TypeParseJobData: 8},
	}, time.Minute))

	out, err = e.exec(t, "worker", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "worker-9")
	assert.Contains(t, out, "INSTANCE")
}

func TestWorkerReload(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "worker", "--reload", "--instance", "worker-2")
	require.NoError(t, err)
	assert.Contains(t, out, "reload sent to worker-2")

	command, err := e.queue.ReceiveControl(context.Background(), "worker-2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.ControlReload, command)
}

func TestWorkerRunning(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "worker", "--running")
	require.NoError(t, err)
	assert.Contains(t, out, "no running jobs")
}

func TestWorker_FlagRules(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec(t, "worker")
	assert.Error(t, err, "one action is required")

	_, err = e.exec(t, "worker", "--status", "--reload")
	assert.Error(t, err, "actions are exclusive")

	_, err = e.exec(t, "worker", "--cancel", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid job id")
}

func TestMetrics_Empty(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "# scheduler")
	assert.Contains(t, out, "# worker")

	_, err = e.exec(t, "metrics", "--subsystem", "parser")
	assert.ErrorContains(t, err, "unknown subsystem")
}

func TestPrintSeries(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSeries(&out, metrics.SubsystemWorker, []metrics.Series{{
		Descriptor: metrics.Descriptor{Name: "jobs_started", Kind: metrics.IntCounter},
		Samples: []metrics.Sample{
			{Instance: "worker-1", Value: metrics.Value{Kind: metrics.IntCounter, Number: 3}},
			{Instance: "worker-2", Value: metrics.Value{Kind: metrics.IntCounter, Number: 5}},
		},
	}}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, "# worker", lines[0])
	assert.Contains(t, out.String(), "METRIC")
	for _, want := range []string{"worker-1", "worker-2", "jobs_started", "counter"} {
		assert.Contains(t, out.String(), want)
	}

	out.Reset()
	require.NoError(t, printSeries(&out, metrics.SubsystemScheduler, nil))
	assert.Equal(t, "# scheduler\nno samples\n", out.String())
}

func TestSchedulesPreview(t *testing.T) {
	e := newEnv(t)
	out, err := e.exec(t, "schedules", "preview",
		"--from", "2030-01-01T00:00:00Z",
		"--count", "3",
		"DTSTART:20300101T000000Z RRULE:FREQ=HOURLY;INTERVAL=6",
	)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2030-01-01T06:00:00Z",
		"2030-01-01T12:00:00Z",
		"2030-01-01T18:00:00Z",
	}, strings.Fields(out))

	_, err = e.exec(t, "schedules", "preview", "RRULE:FREQ=SOMETIMES")
	assert.Error(t, err)
}

func TestRun_RejectsNothingToRun(t *testing.T) {
	e := newEnv(t)
	_, err := e.exec(t, "run", "--no-scheduler", "--no-worker")
	assert.ErrorContains(t, err, "nothing to run")
}

func TestParseJobIDs(t *testing.T) {
	a := "0b9a3f4e-5c8d-4e1f-9a2b-3c4d5e6f7a8b"
	b := "1c0b4f5e-6d9e-4f2a-8b3c-4d5e6f7a8b9c"

	tests := []struct {
		input string
		want  []string
	}{
		{a, []string{a}},
		{a + ", " + b + "," + a, []string{a, b}},
		{`["` + a + `", "` + b + `"]`, []string{a, b}},
	}
	for _, tt := range tests {
		got, err := parseJobIDs(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}

	for _, input := range []string{"", " , ", "[1, 2]", "abc"} {
		_, err := parseJobIDs(input)
		assert.Error(t, err, input)
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-03-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2026-03-04T05:06:07+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 3, 6, 7, 0, time.UTC), got)

	_, err = parseTime("03/04/2026")
	assert.Error(t, err)
}
