// Package jobs implements the SyncJob state machine on top of the sync_jobs
// table.
//
//	NEW -> PENDING -> WAITING -> RUNNING -> SUCCESSFUL | FAILED | ERROR | CANCELED
//
// WAITING and RUNNING fall back to PENDING when the owning process is
// presumed dead.
package jobs

import (
	"math"
	"slices"
	"time"

	"github.com/livinlefevreloca/aapsync/internal/db"
)

// Job statuses
const (
	StatusNew        = "new"
	StatusPending    = "pending"
	StatusWaiting    = "waiting"
	StatusRunning    = "running"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusError      = "error"
	StatusCanceled   = "canceled"
)

// Job types
const (
	TypeSyncJobs     = "sync_jobs"
	TypeParseJobData = "parse_job_data"
)

// Launch types
const (
	LaunchScheduled  = "scheduled"
	LaunchManual     = "manual"
	LaunchHistorical = "historical"
	LaunchDependency = "dependency"
)

// Types lists every job type with its own dispatch queue
var Types = []string{TypeSyncJobs, TypeParseJobData}

var terminal = []string{StatusSuccessful, StatusFailed, StatusError, StatusCanceled}

// CanStart reports whether a job in status may be signalled startable
func CanStart(status string) bool {
	return status == StatusNew || status == StatusWaiting
}

// IsTerminal reports whether status is a final state
func IsTerminal(status string) bool {
	return slices.Contains(terminal, status)
}

// IsActive reports whether a job in status has been handed to the dispatcher
func IsActive(status string) bool {
	return status == StatusPending || status == StatusWaiting || status == StatusRunning
}

// Stamp sets the timing fields implied by the job's current status.
// Entering RUNNING stamps started; entering a terminal status stamps
// finished and derives elapsed. Fields already set are left alone.
func Stamp(j *db.SyncJob, now time.Time) {
	now = now.UTC()
	switch {
	case j.Status == StatusRunning:
		if j.Started == nil {
			j.Started = &now
		}
	case IsTerminal(j.Status):
		if j.Finished == nil {
			j.Finished = &now
		}
		if j.Elapsed == 0 && j.Started != nil {
			j.Elapsed = elapsedSeconds(*j.Started, *j.Finished)
		}
	}
}

// elapsedSeconds returns finished - started in seconds with millisecond precision
func elapsedSeconds(started, finished time.Time) float64 {
	return math.Round(finished.Sub(started).Seconds()*1000) / 1000
}

// resetTiming clears everything a dispatch attempt wrote
func resetTiming(j *db.SyncJob) {
	j.Started = nil
	j.Finished = nil
	j.Elapsed = 0
	j.RunToken = nil
	j.ExecutionNode = ""
}
