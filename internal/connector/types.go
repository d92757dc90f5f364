package connector

import (
	"fmt"
	"time"
)

// Ref is a reference to a named upstream object
type Ref struct {
	ID          *int64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UserRef is a reference to an upstream user
type UserRef struct {
	ID       *int64 `json:"id"`
	Username string `json:"username"`
}

// LabelList is the label summary of a job
type LabelList struct {
	Count   int   `json:"count"`
	Results []Ref `json:"results"`
}

// JobSummaryFields holds the related objects the API inlines into a job
type JobSummaryFields struct {
	Organization         *Ref      `json:"organization,omitempty"`
	JobTemplate          *Ref      `json:"job_template,omitempty"`
	CreatedBy            *UserRef  `json:"created_by,omitempty"`
	Inventory            *Ref      `json:"inventory,omitempty"`
	ExecutionEnvironment *Ref      `json:"execution_environment,omitempty"`
	InstanceGroup        *Ref      `json:"instance_group,omitempty"`
	Project              *Ref      `json:"project,omitempty"`
	Labels               LabelList `json:"labels"`
}

// Job is one upstream job record. HostSummaries is attached by Sync
// before the record is staged.
type Job struct {
	ID            *int64           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	JobType       string           `json:"job_type"`
	LaunchType    string           `json:"launch_type"`
	Status        string           `json:"status"`
	Failed        bool             `json:"failed"`
	Started       *time.Time       `json:"started"`
	Finished      *time.Time       `json:"finished"`
	Elapsed       float64          `json:"elapsed"`
	SummaryFields JobSummaryFields `json:"summary_fields"`
	HostSummaries []HostSummary    `json:"host_summaries,omitempty"`
}

// HostSummarySummaryFields holds the host inlined into a host summary
type HostSummarySummaryFields struct {
	Host *Ref `json:"host,omitempty"`
}

// HostSummary is the per-host outcome of an upstream job
type HostSummary struct {
	ID            int64                    `json:"id"`
	Host          *int64                   `json:"host"`
	HostName      string                   `json:"host_name"`
	Changed       int                      `json:"changed"`
	Dark          int                      `json:"dark"`
	Failures      int                      `json:"failures"`
	Ok            int                      `json:"ok"`
	Processed     int                      `json:"processed"`
	Skipped       int                      `json:"skipped"`
	Failed        bool                     `json:"failed"`
	Ignored       int                      `json:"ignored"`
	Rescued       int                      `json:"rescued"`
	SummaryFields HostSummarySummaryFields `json:"summary_fields"`
}

// page is one page of a paginated list endpoint
type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// StatusError reports a non-200 response
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}
