package metrics

import (
	"fmt"
	"slices"
)

// Name identifies a metric
type Name string

// Descriptor declares one metric
type Descriptor struct {
	Name    Name
	Kind    Kind
	Help    string
	Buckets []float64 // Histogram only
	// Internal metrics ride along with a flush but never trigger one.
	Internal bool
}

// Set is a group of descriptors contributed by one owner
type Set []Descriptor

// Metrics every subsystem carries
const (
	PipeExecuteSeconds Name = "subsystem_metrics_pipe_execute_seconds"
	PipeExecuteCalls   Name = "subsystem_metrics_pipe_execute_calls"
	SendMetricsSeconds Name = "subsystem_metrics_send_metrics_seconds"
)

// Base is the set shared by every subsystem
var Base = Set{
	{Name: PipeExecuteSeconds, Kind: FloatCounter, Help: "Time spent saving metrics to redis", Internal: true},
	{Name: PipeExecuteCalls, Kind: IntCounter, Help: "Number of calls to pipe execute", Internal: true},
	{Name: SendMetricsSeconds, Kind: FloatCounter, Help: "Time spent publishing the metrics snapshot", Internal: true},
}

// Scheduler subsystem metrics
const (
	SchedulerPasses            Name = "task_manager_schedule_calls"
	SchedulerPassSeconds       Name = "task_manager_schedule_seconds"
	SchedulerPendingProcessed  Name = "task_manager_pending_processed"
	SchedulerRunningProcessed  Name = "task_manager_running_processed"
	SchedulerWaitingProcessed  Name = "task_manager_waiting_processed"
	SchedulerJobsDispatched    Name = "task_manager_jobs_dispatched"
	SchedulerStartLimitReached Name = "task_manager_start_limit_reached"
	SchedulerTimeoutReached    Name = "task_manager_pass_timeout_reached"
	SchedulerLockContended     Name = "task_manager_lock_contended"
	PeriodicSchedulesDue       Name = "periodic_schedules_due"
	PeriodicSchedulesMissed    Name = "periodic_schedules_missed"
	PeriodicParsePromoted      Name = "periodic_parse_jobs_promoted"
	PeriodicClustersCooling    Name = "periodic_clusters_in_cooldown"
)

// SchedulerSet extends Base for the task manager and periodic passes
var SchedulerSet = Set{
	{Name: SchedulerPasses, Kind: IntCounter, Help: "Number of task manager passes"},
	{Name: SchedulerPassSeconds, Kind: Histogram, Help: "Duration of task manager passes",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}},
	{Name: SchedulerPendingProcessed, Kind: IntGauge, Help: "Pending jobs seen by the last pass"},
	{Name: SchedulerRunningProcessed, Kind: IntGauge, Help: "Running jobs seen by the last pass"},
	{Name: SchedulerWaitingProcessed, Kind: IntGauge, Help: "Waiting jobs seen by the last pass"},
	{Name: SchedulerJobsDispatched, Kind: IntCounter, Help: "Jobs handed to workers"},
	{Name: SchedulerStartLimitReached, Kind: IntCounter, Help: "Passes that hit the start limit"},
	{Name: SchedulerTimeoutReached, Kind: IntCounter, Help: "Passes that hit the pass timeout"},
	{Name: SchedulerLockContended, Kind: IntCounter, Help: "Passes skipped because another process held the lock"},
	{Name: PeriodicSchedulesDue, Kind: IntCounter, Help: "Schedules that spawned a sync"},
	{Name: PeriodicSchedulesMissed, Kind: IntCounter, Help: "Schedules whose run time passed unobserved"},
	{Name: PeriodicParsePromoted, Kind: IntCounter, Help: "Parse jobs made startable"},
	{Name: PeriodicClustersCooling, Kind: IntGauge, Help: "Clusters in cooldown at the last periodic pass"},
}

// Worker subsystem metrics
const (
	WorkerJobsStarted   Name = "worker_jobs_started"
	WorkerJobsSucceeded Name = "worker_jobs_successful"
	WorkerJobsFailed    Name = "worker_jobs_failed"
	WorkerJobsErrored   Name = "worker_jobs_error"
	WorkerJobsCanceled  Name = "worker_jobs_canceled"
	WorkerJobSeconds    Name = "worker_job_seconds"
	WorkerRecordsStaged Name = "worker_records_staged"
	WorkerRecordsParsed Name = "worker_records_parsed"
	WorkerClaimsLost    Name = "worker_claims_lost"
	WorkerBusy          Name = "worker_busy"
)

// WorkerSet extends Base for the task runner pool
var WorkerSet = Set{
	{Name: WorkerJobsStarted, Kind: IntCounter, Help: "Jobs claimed and started"},
	{Name: WorkerJobsSucceeded, Kind: IntCounter, Help: "Jobs ended successful"},
	{Name: WorkerJobsFailed, Kind: IntCounter, Help: "Jobs ended failed"},
	{Name: WorkerJobsErrored, Kind: IntCounter, Help: "Jobs ended in error"},
	{Name: WorkerJobsCanceled, Kind: IntCounter, Help: "Jobs ended canceled"},
	{Name: WorkerJobSeconds, Kind: Histogram, Help: "Job run time",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900}},
	{Name: WorkerRecordsStaged, Kind: IntCounter, Help: "Upstream job records staged for parsing"},
	{Name: WorkerRecordsParsed, Kind: IntCounter, Help: "Staged records parsed"},
	{Name: WorkerClaimsLost, Kind: IntCounter, Help: "Dispatched jobs another worker claimed first"},
	{Name: WorkerBusy, Kind: IntGauge, Help: "Jobs currently running in this process"},
}

// Subsystem names
const (
	SubsystemScheduler = "scheduler"
	SubsystemWorker    = "worker"
)

// Registry is the ordered metric catalogue of one subsystem
type Registry struct {
	subsystem   string
	descriptors []Descriptor
	index       map[Name]int
}

// NewRegistry combines sets into one registry. Duplicate names are an
// error.
func NewRegistry(subsystem string, sets ...Set) (*Registry, error) {
	r := &Registry{subsystem: subsystem, index: make(map[Name]int)}
	for _, set := range sets {
		for _, d := range set {
			if _, dup := r.index[d.Name]; dup {
				return nil, fmt.Errorf("metrics: duplicate metric %q in subsystem %s", d.Name, subsystem)
			}
			if d.Kind == Histogram && !slices.IsSorted(d.Buckets) {
				return nil, fmt.Errorf("metrics: buckets of %q are not sorted", d.Name)
			}
			r.index[d.Name] = len(r.descriptors)
			r.descriptors = append(r.descriptors, d)
		}
	}
	return r, nil
}

// SchedulerRegistry returns the registry of the scheduler subsystem
func SchedulerRegistry() *Registry {
	r, err := NewRegistry(SubsystemScheduler, Base, SchedulerSet)
	if err != nil {
		panic(err)
	}
	return r
}

// WorkerRegistry returns the registry of the worker subsystem
func WorkerRegistry() *Registry {
	r, err := NewRegistry(SubsystemWorker, Base, WorkerSet)
	if err != nil {
		panic(err)
	}
	return r
}

// Subsystem returns the owning subsystem name
func (r *Registry) Subsystem() string {
	return r.subsystem
}

// Descriptors returns the descriptors in registration order
func (r *Registry) Descriptors() []Descriptor {
	return slices.Clone(r.descriptors)
}

// Lookup returns the descriptor of name
func (r *Registry) Lookup(name Name) (Descriptor, bool) {
	i, ok := r.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptors[i], true
}
