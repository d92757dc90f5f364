// Package parser normalizes staged upstream job payloads into the job,
// side entity, label and host summary tables.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/livinlefevreloca/aapsync/internal/connector"
	"github.com/livinlefevreloca/aapsync/internal/db"
)

// ErrMissingID is returned for a staged payload without an upstream job id
var ErrMissingID = errors.New("parser: staged job has no id")

// Result describes one parsed payload
type Result struct {
	Job           *db.Job
	Created       bool
	LabelsAdded   int
	LabelsRemoved int
	Hosts         int
}

// Parser turns staged payloads into normalized rows
type Parser struct {
	logger *slog.Logger
}

// New creates a parser
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse normalizes the staged payload syncDataID in one transaction and
// deletes it on success. Nothing is written when any step fails.
func (p *Parser) Parse(ctx context.Context, database *db.DB, syncDataID string) (*Result, error) {
	var result *Result
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		data, err := db.GetClusterSyncData(ctx, tx, syncDataID)
		if err != nil {
			return fmt.Errorf("load staged data %s: %w", syncDataID, err)
		}

		var job connector.Job
		if err := json.Unmarshal([]byte(data.Data), &job); err != nil {
			return fmt.Errorf("decode staged data %s: %w", syncDataID, err)
		}

		result, err = p.apply(ctx, tx, data.ClusterID, &job)
		if err != nil {
			return err
		}
		return db.DeleteClusterSyncData(ctx, tx, syncDataID)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("parsed job", "job_id", result.Job.ID, "external_id", result.Job.ExternalID,
		"hosts", result.Hosts, "created", result.Created)
	return result, nil
}

func (p *Parser) apply(ctx context.Context, q db.Querier, clusterID string, job *connector.Job) (*Result, error) {
	if job.ID == nil {
		return nil, ErrMissingID
	}
	r := resolver{ctx: ctx, q: q, clusterID: clusterID}
	sf := job.SummaryFields

	row := &db.Job{
		ClusterID:   clusterID,
		ExternalID:  *job.ID,
		Name:        job.Name,
		Description: job.Description,
		Type:        job.JobType,
		LaunchType:  job.LaunchType,
		Status:      job.Status,
		Failed:      job.Failed,
		Started:     job.Started,
		Finished:    job.Finished,
		Elapsed:     job.Elapsed,
	}
	row.OrganizationID = r.ref(db.KindOrganization, sf.Organization)
	row.JobTemplateID = r.template(sf.JobTemplate, job.Name)
	row.LaunchedByID = r.user(sf.CreatedBy)
	row.InventoryID = r.ref(db.KindInventory, sf.Inventory)
	row.ExecutionEnvironmentID = r.ref(db.KindExecutionEnvironment, sf.ExecutionEnvironment)
	row.InstanceGroupID = r.ref(db.KindInstanceGroup, sf.InstanceGroup)
	row.ProjectID = r.ref(db.KindProject, sf.Project)

	var labelIDs []string
	for i := range sf.Labels.Results {
		if id := r.ref(db.KindLabel, &sf.Labels.Results[i]); id != nil {
			labelIDs = append(labelIDs, *id)
		}
	}
	if r.err != nil {
		return nil, r.err
	}

	result := &Result{Job: row}
	existing, err := db.FindJobByExternalID(ctx, q, clusterID, *job.ID)
	switch {
	case db.IsNotFound(err):
		if err := db.CreateJob(ctx, q, row); err != nil {
			return nil, fmt.Errorf("create job %d: %w", *job.ID, err)
		}
		result.Created = true
	case err != nil:
		return nil, err
	default:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	}

	current, err := db.ListJobLabelIDs(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	add, remove := lo.Difference(lo.Uniq(labelIDs), current)
	for _, id := range add {
		if err := db.AddJobLabel(ctx, q, row.ID, id); err != nil {
			return nil, fmt.Errorf("add label: %w", err)
		}
	}
	for _, id := range remove {
		if err := db.RemoveJobLabel(ctx, q, row.ID, id); err != nil {
			return nil, fmt.Errorf("remove label: %w", err)
		}
	}
	result.LabelsAdded, result.LabelsRemoved = len(add), len(remove)

	if err := db.DeleteJobHostSummaries(ctx, q, row.ID); err != nil {
		return nil, err
	}
	for _, hs := range job.HostSummaries {
		summary := &db.JobHostSummary{
			JobID:     row.ID,
			HostID:    r.host(hs),
			HostName:  hs.HostName,
			Changed:   hs.Changed,
			Dark:      hs.Dark,
			Failures:  hs.Failures,
			Ok:        hs.Ok,
			Processed: hs.Processed,
			Skipped:   hs.Skipped,
			Failed:    hs.Failed,
			Ignored:   hs.Ignored,
			Rescued:   hs.Rescued,
		}
		if r.err != nil {
			return nil, r.err
		}
		if err := db.CreateJobHostSummary(ctx, q, summary); err != nil {
			return nil, fmt.Errorf("create host summary: %w", err)
		}
	}
	result.Hosts = len(job.HostSummaries)

	row.Counters, err = db.SumJobHostSummaries(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	if err := db.UpdateJob(ctx, q, row); err != nil {
		return nil, fmt.Errorf("update job %d: %w", *job.ID, err)
	}
	return result, nil
}
