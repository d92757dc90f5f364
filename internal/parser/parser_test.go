package parser

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/aapsync/internal/connector"
	"github.com/livinlefevreloca/aapsync/internal/db"
	"github.com/livinlefevreloca/aapsync/internal/testutil"
)

func id(v int64) *int64 { return &v }

func ref(externalID int64, name string) *connector.Ref {
	return &connector.Ref{ID: id(externalID), Name: name}
}

func sampleJob() connector.Job {
	finished := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	started := finished.Add(-90 * time.Second)
	return connector.Job{
		ID:         id(42),
		Name:       "deploy",
		JobType:    "run",
		LaunchType: "manual",
		Status:     "successful",
		Started:    &started,
		Finished:   &finished,
		Elapsed:    90,
		SummaryFields: connector.JobSummaryFields{
			Organization:         ref(1, "Default"),
			JobTemplate:          ref(10, "deploy"),
			CreatedBy:            &connector.UserRef{ID: id(5), Username: "admin"},
			Inventory:            ref(20, "Demo Inventory"),
			ExecutionEnvironment: ref(30, "Default EE"),
			InstanceGroup:        ref(40, "default"),
			Project:              ref(50, "Demo Project"),
			Labels: connector.LabelList{
				Count:   2,
				Results: []connector.Ref{*ref(60, "prod"), *ref(61, "web")},
			},
		},
		HostSummaries: []connector.HostSummary{
			{ID: 1, Host: id(100), HostName: "web-1", Ok: 3, Changed: 1, Processed: 1},
			{ID: 2, Host: id(101), HostName: "web-2", Ok: 2, Failures: 1, Processed: 1, Failed: true},
		},
	}
}

type fixture struct {
	db      *db.DB
	parser  *Parser
	cluster *db.Cluster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewTestDB(t)
	return &fixture{
		db:      database,
		parser:  New(testutil.DiscardLogger()),
		cluster: testutil.MakeCluster(t, database, "aap.example.com"),
	}
}

func (f *fixture) stage(t *testing.T, job connector.Job) string {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	data := &db.ClusterSyncData{ClusterID: f.cluster.ID, Data: string(payload), LastJobFinishedDate: job.Finished}
	require.NoError(t, db.CreateClusterSyncData(context.Background(), f.db, data))
	return data.ID
}

func (f *fixture) labelNames(t *testing.T, jobID string) []string {
	t.Helper()
	ids, err := db.ListJobLabelIDs(context.Background(), f.db, jobID)
	require.NoError(t, err)
	var names []string
	for _, labelID := range ids {
		var name string
		require.NoError(t, f.db.QueryRowContext(context.Background(),
			`SELECT name FROM labels WHERE id = ?`, labelID).Scan(&name))
		names = append(names, name)
	}
	return names
}

func TestParse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dataID := f.stage(t, sampleJob())

	result, err := f.parser.Parse(ctx, f.db, dataID)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 2, result.Hosts)
	assert.Equal(t, 2, result.LabelsAdded)

	job, err := db.FindJobByExternalID(ctx, f.db, f.cluster.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, "deploy", job.Name)
	assert.Equal(t, "successful", job.Status)
	assert.Equal(t, 90.0, job.Elapsed)
	for _, fk := range []*string{
		job.OrganizationID, job.JobTemplateID, job.LaunchedByID, job.InventoryID,
		job.ExecutionEnvironmentID, job.InstanceGroupID, job.ProjectID,
	} {
		assert.NotNil(t, fk)
	}

	assert.Equal(t, db.HostCounters{
		NumHosts: 2, Changed: 1, Failures: 1, Ok: 5, Processed: 2, Failed: 1,
	}, job.Counters)
	assert.ElementsMatch(t, []string{"prod", "web"}, f.labelNames(t, job.ID))

	hosts, err := db.CountEntities(ctx, f.db, db.KindHost, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, hosts)

	_, err = db.GetClusterSyncData(ctx, f.db, dataID)
	assert.True(t, db.IsNotFound(err), "staged payload is deleted")
}

func TestParse_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.parser.Parse(ctx, f.db, f.stage(t, sampleJob()))
	require.NoError(t, err)

	updated := sampleJob()
	updated.Status = "failed"
	updated.Failed = true
	updated.SummaryFields.Organization.Name = "Renamed"
	updated.SummaryFields.Labels.Results = []connector.Ref{*ref(61, "web"), *ref(62, "canary")}
	updated.HostSummaries = []connector.HostSummary{
		{ID: 3, Host: id(102), HostName: "db-1", Dark: 1, Processed: 1, Failed: true},
	}

	second, err := f.parser.Parse(ctx, f.db, f.stage(t, updated))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 1, second.LabelsAdded)
	assert.Equal(t, 1, second.LabelsRemoved)

	count, err := db.CountJobs(ctx, f.db, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	job, err := db.FindJobByExternalID(ctx, f.db, f.cluster.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, "failed", job.Status)
	assert.True(t, job.Failed)
	assert.Equal(t, db.HostCounters{NumHosts: 1, Dark: 1, Processed: 1, Failed: 1}, job.Counters)
	assert.ElementsMatch(t, []string{"web", "canary"}, f.labelNames(t, job.ID))

	summaries, err := db.ListJobHostSummaries(ctx, f.db, job.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "db-1", summaries[0].HostName)

	org, err := db.FindEntityByExternalID(ctx, f.db, db.KindOrganization, f.cluster.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", org.Name)
	assert.Equal(t, *first.Job.OrganizationID, org.ID, "entity identity is stable")
}

func TestParse_TemplateFallbackByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noTemplate := sampleJob()
	noTemplate.SummaryFields.JobTemplate = nil
	first, err := f.parser.Parse(ctx, f.db, f.stage(t, noTemplate))
	require.NoError(t, err)
	require.NotNil(t, first.Job.JobTemplateID)

	placeholder, err := db.FindEntityByName(ctx, f.db, db.KindJobTemplate, f.cluster.ID, "deploy")
	require.NoError(t, err)
	assert.Equal(t, db.PlaceholderExternalID, placeholder.ExternalID)
	assert.Equal(t, placeholder.ID, *first.Job.JobTemplateID)

	other := sampleJob()
	other.ID = id(43)
	other.SummaryFields.JobTemplate = nil
	second, err := f.parser.Parse(ctx, f.db, f.stage(t, other))
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, *second.Job.JobTemplateID, "name lookup reuses the placeholder")

	withTemplate := sampleJob()
	withTemplate.ID = id(44)
	third, err := f.parser.Parse(ctx, f.db, f.stage(t, withTemplate))
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, *third.Job.JobTemplateID, "placeholder adopts the real id")

	adopted, err := db.FindEntityByExternalID(ctx, f.db, db.KindJobTemplate, f.cluster.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, adopted.ID)

	count, err := db.CountEntities(ctx, f.db, db.KindJobTemplate, f.cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestParse_FailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := sampleJob()
	broken.ID = nil
	dataID := f.stage(t, broken)

	_, err := f.parser.Parse(ctx, f.db, dataID)
	require.ErrorIs(t, err, ErrMissingID)

	_, err = db.GetClusterSyncData(ctx, f.db, dataID)
	assert.NoError(t, err, "staged payload survives a failed parse")

	count, err := db.CountEntities(ctx, f.db, db.KindOrganization, f.cluster.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestParse_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	data := &db.ClusterSyncData{ClusterID: f.cluster.ID, Data: "{truncated"}
	require.NoError(t, db.CreateClusterSyncData(ctx, f.db, data))

	_, err := f.parser.Parse(ctx, f.db, data.ID)
	require.Error(t, err)

	_, err = f.parser.Parse(ctx, f.db, "missing")
	assert.True(t, db.IsNotFound(err))
}
