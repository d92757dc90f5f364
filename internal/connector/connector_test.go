package connector

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/jobs"
	"github.com/livinlefevreloca/aapsync/internal/testutil"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	config := DefaultConfig()
	config.PageSize = 2
	config.RequestsPerSecond = 0
	config.RequestTimeout = 5 * time.Second
	return config
}

type fixture struct {
	db      *db.DB
	aap     *testutil.FakeAAP
	cluster *db.Cluster
	conn    *Connector
	logger  *testutil.TestLogger
}

func newFixture(t *testing.T, version string) *fixture {
	t.Helper()
	database := testutil.NewTestDB(t)
	aap := testutil.NewFakeAAP(t, version)
	cluster := aap.Cluster(t, database)
	logger := testutil.NewTestLogger()
	return &fixture{
		db:      database,
		aap:     aap,
		cluster: cluster,
		conn:    New(cluster, testConfig(), DBTokenSaver(database), logger.Logger()),
		logger:  logger,
	}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) ([]T, error) {
	t.Helper()
	var items []T
	for item, err := range seq {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

// =============================================================================
// Version Detection and Ping
// =============================================================================

func TestDetectVersion(t *testing.T) {
	for _, version := range []string{Version24, Version25} {
		t.Run(version, func(t *testing.T) {
			f := newFixture(t, version)

			got, err := f.conn.DetectVersion(context.Background())
			require.NoError(t, err)
			assert.Equal(t, version, got)
			assert.Equal(t, version, f.cluster.APIVersion)

			doc, ok := f.conn.Ping(context.Background())
			require.True(t, ok)
			assert.Equal(t, "4.5.0", doc["version"])
			assert.Contains(t, f.aap.Requests()[len(f.aap.Requests())-1], f.aap.Prefix()+"/ping/")
		})
	}
}

func TestDetectVersion_Unreachable(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.Fail("/ping/", http.StatusServiceUnavailable)

	_, err := f.conn.DetectVersion(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
}

func TestPing_Failure(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.Fail("/ping/", http.StatusBadGateway)

	doc, ok := f.conn.Ping(context.Background())
	assert.False(t, ok)
	assert.Nil(t, doc)
	assert.True(t, f.logger.HasMessage(slog.LevelWarn, "ping failed"))
}

// =============================================================================
// Pagination
// =============================================================================

func TestFetchJobs_FollowsNextLinks(t *testing.T) {
	f := newFixture(t, Version24)
	for i := range 5 {
		f.aap.AddJobs(testutil.JobRecord(int64(i+1), "deploy", base.Add(time.Duration(5-i)*time.Minute)))
	}

	got, err := collect(t, f.conn.FetchJobs(context.Background(), nil, nil))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Finished.Before(*got[i-1].Finished), "ordered by finished")
	}

	pages := 0
	for _, uri := range f.aap.Requests() {
		if strings.HasPrefix(uri, "/api/v2/jobs/?") {
			pages++
		}
	}
	assert.Equal(t, 3, pages)
}

func TestFetchJobs_Window(t *testing.T) {
	f := newFixture(t, Version24)
	for i := range 6 {
		f.aap.AddJobs(testutil.JobRecord(int64(i+1), "deploy", base.Add(time.Duration(i)*time.Hour)))
	}

	since := base.Add(time.Hour)
	until := base.Add(4 * time.Hour)
	got, err := collect(t, f.conn.FetchJobs(context.Background(), &since, &until))
	require.NoError(t, err)

	var ids []int64
	for _, j := range got {
		ids = append(ids, *j.ID)
	}
	assert.Equal(t, []int64{3, 4, 5}, ids, "since is exclusive, until inclusive")
}

func TestFetchJobs_ErrorStopsSequence(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.AddJobs(testutil.JobRecord(1, "deploy", base))
	f.aap.Fail("/jobs/", http.StatusInternalServerError)

	got, err := collect(t, f.conn.FetchJobs(context.Background(), nil, nil))
	assert.Empty(t, got)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.NotEmpty(t, f.logger.EntriesByLevel(slog.LevelError))
}

func TestFetchHostSummaries(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.SetHostSummaries(7,
		testutil.HostSummaryRecord(1, 100, "web-1", 3, 1, 0),
		testutil.HostSummaryRecord(2, 101, "web-2", 2, 0, 1),
		testutil.HostSummaryRecord(3, 102, "db-1", 5, 2, 0),
	)

	got, err := collect(t, f.conn.FetchHostSummaries(context.Background(), 7))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "web-2", got[1].HostName)
	assert.True(t, got[1].Failed)
	require.NotNil(t, got[2].SummaryFields.Host)
	assert.Equal(t, "db-1", got[2].SummaryFields.Host.Name)
}

// =============================================================================
// Token Refresh
// =============================================================================

func TestTokenRefresh(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.AddJobs(testutil.JobRecord(1, "deploy", base))
	f.aap.ExpireToken()

	got, err := collect(t, f.conn.FetchJobs(context.Background(), nil, nil))
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, f.aap.Refreshes())
	assert.Equal(t, "access-1", f.cluster.AccessToken)

	stored, err := db.GetCluster(context.Background(), f.db, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestTokenRefresh_RejectedGrant(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.ExpireToken()
	f.aap.Fail("/o/token/", http.StatusBadRequest)

	_, err := collect(t, f.conn.FetchJobs(context.Background(), nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh token")
	assert.Zero(t, f.aap.Refreshes())
}

// =============================================================================
// Sync
// =============================================================================

func TestSync_StagesRecords(t *testing.T) {
	f := newFixture(t, Version25)
	ctx := context.Background()
	_, err := f.conn.DetectVersion(ctx)
	require.NoError(t, err)

	for i := range 3 {
		id := int64(i + 1)
		f.aap.AddJobs(testutil.JobRecord(id, "deploy", base.Add(time.Duration(i)*time.Minute)))
		f.aap.SetHostSummaries(id, testutil.HostSummaryRecord(id*10, 100, "web-1", 1, 0, 0))
	}

	since := base.Add(-time.Hour)
	result, err := f.conn.Sync(ctx, f.db, SyncOptions{Since: &since, LaunchType: jobs.LaunchScheduled})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 3, result.Staged)
	require.NotNil(t, result.Watermark)
	assert.True(t, result.Watermark.Equal(base.Add(2*time.Minute)))

	stored, err := db.GetCluster(ctx, f.db, f.cluster.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastJobFinishedDate)
	assert.True(t, stored.LastJobFinishedDate.Equal(base.Add(2*time.Minute)))

	n, err := db.CountClusterSyncData(ctx, f.db, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	parseJobs, err := db.ListSyncJobsByTypeStatus(ctx, f.db, jobs.TypeParseJobData, jobs.StatusNew, 10)
	require.NoError(t, err)
	require.Len(t, parseJobs, 3)
	require.NotNil(t, parseJobs[0].ClusterSyncDataID)
	assert.Equal(t, jobs.LaunchScheduled, parseJobs[0].LaunchType)

	data, err := db.GetClusterSyncData(ctx, f.db, *parseJobs[0].ClusterSyncDataID)
	require.NoError(t, err)
	var staged Job
	require.NoError(t, json.Unmarshal([]byte(data.Data), &staged))
	require.Len(t, staged.HostSummaries, 1)
	assert.Equal(t, "web-1", staged.HostSummaries[0].HostName)
}

func TestSync_ResumesFromWatermark(t *testing.T) {
	f := newFixture(t, Version24)
	ctx := context.Background()

	f.aap.AddJobs(
		testutil.JobRecord(1, "deploy", base),
		testutil.JobRecord(2, "deploy", base.Add(time.Minute)),
	)
	_, err := db.AdvanceClusterWatermark(ctx, f.db, f.cluster.ID, base)
	require.NoError(t, err)

	result, err := f.conn.Sync(ctx, f.db, SyncOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.Since)
	assert.True(t, result.Since.Equal(base))
	assert.Equal(t, 1, result.Staged, "records at the watermark are not refetched")
}

func TestSync_SkipsMalformedRecords(t *testing.T) {
	f := newFixture(t, Version24)
	ctx := context.Background()

	noID := testutil.JobRecord(0, "no id", base)
	delete(noID, "id")
	noFinished := testutil.JobRecord(3, "running", base)
	delete(noFinished, "finished")
	f.aap.AddJobs(noID, noFinished, testutil.JobRecord(2, "deploy", base.Add(time.Minute)))

	since := base.Add(-time.Hour)
	result, err := f.conn.Sync(ctx, f.db, SyncOptions{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.Staged)
	assert.Len(t, f.logger.EntriesByLevel(slog.LevelWarn), 2)
}

func TestSync_Unreachable(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.Fail("/ping/", http.StatusServiceUnavailable)

	_, err := f.conn.Sync(context.Background(), f.db, SyncOptions{})
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestSync_Canceled(t *testing.T) {
	f := newFixture(t, Version24)
	ctx := context.Background()
	for i := range 3 {
		f.aap.AddJobs(testutil.JobRecord(int64(i+1), "deploy", base.Add(time.Duration(i)*time.Minute)))
	}

	checks := 0
	since := base.Add(-time.Hour)
	result, err := f.conn.Sync(ctx, f.db, SyncOptions{
		Since: &since,
		Canceled: func(context.Context) bool {
			checks++
			return checks > 1
		},
	})
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 1, result.Staged)

	stored, err := db.GetCluster(ctx, f.db, f.cluster.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastJobFinishedDate)
	assert.True(t, stored.LastJobFinishedDate.Equal(base), "committed records keep their watermark")
}

func TestSync_ManagedWithoutWatermarkFetchesEverything(t *testing.T) {
	f := newFixture(t, Version24)
	f.aap.AddJobs(testutil.JobRecord(1, "ancient", base.AddDate(-3, 0, 0)))

	result, err := f.conn.Sync(context.Background(), f.db, SyncOptions{Managed: true})
	require.NoError(t, err)
	assert.Nil(t, result.Since)
	assert.Equal(t, 1, result.Staged)
}

// =============================================================================
// Side Entities
// =============================================================================

func TestSyncOrganizationsAndTemplates(t *testing.T) {
	f := newFixture(t, Version24)
	ctx := context.Background()

	f.aap.AddOrganizations(
		testutil.Record{"id": 1, "name": "Default", "description": "a"},
		testutil.Record{"id": 2, "name": "Ops"},
		testutil.Record{"name": "broken"},
	)
	f.aap.AddJobTemplates(testutil.Record{"id": 10, "name": "deploy"})

	n, err := f.conn.SyncOrganizations(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.conn.SyncJobTemplates(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.aap.AddOrganizations(testutil.Record{"id": 3, "name": "Dev"})
	n, err = f.conn.SyncOrganizations(ctx, f.db)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := db.CountEntities(ctx, f.db, db.KindOrganization, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	org, err := db.FindEntityByExternalID(ctx, f.db, db.KindOrganization, f.cluster.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", org.Description)
}

// =============================================================================
// Initial Sync Window
// =============================================================================

func TestLastWindowStart(t *testing.T) {
	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{
			name: "daily midnight",
			expr: "0 0 * * *",
			now:  time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly on a tick",
			expr: "0 0 * * *",
			now:  time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "hourly",
			expr: "@hourly",
			now:  time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC),
		},
		{
			name: "monthly",
			expr: "0 0 1 * *",
			now:  time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LastWindowStart(tt.expr, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := LastWindowStart("not a cron", time.Now())
	assert.Error(t, err)
}
