package db

import (
	"fmt"
	"time"
)

// Cluster represents a remote automation platform instance being synchronized
type Cluster struct {
	ID                  string
	Protocol            string
	Address             string
	Port                int
	VerifySSL           bool
	AccessToken         string
	RefreshToken        string
	ClientID            string
	ClientSecret        string
	APIVersion          string     // detected on the first successful version check
	LastJobFinishedDate *time.Time // sync watermark
	CooldownUntil       *time.Time // no new sync work is spawned before this instant
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BaseURL returns the scheme://host:port prefix of the cluster API
func (c *Cluster) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Address, c.Port)
}

// InCooldown reports whether the cluster is inside its cooldown window at now
func (c *Cluster) InCooldown(now time.Time) bool {
	return c.CooldownUntil != nil && now.Before(*c.CooldownUntil)
}

// Schedule is a recurrence-rule driven trigger for periodic cluster sync
type Schedule struct {
	ID        string
	Name      string
	RRule     string
	Enabled   bool
	DTStart   *time.Time
	DTEnd     *time.Time
	NextRun   *time.Time
	ClusterID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncJob is a persisted unit of work: sync from a cluster or parse staged data
type SyncJob struct {
	ID                string
	Name              string
	Status            string
	Type              string
	LaunchType        string
	ClusterID         string
	ClusterSyncDataID *string
	JobArgs           string // JSON - {since, until, managed}
	RunToken          *string
	ExecutionNode     string
	Started           *time.Time
	Finished          *time.Time
	Elapsed           float64
	Explanation       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ClusterSyncData is one staged upstream job payload awaiting parsing
type ClusterSyncData struct {
	ID                  string
	ClusterID           string
	Data                string // JSON - upstream job record with host summaries attached
	LastJobFinishedDate *time.Time
	CreatedAt           time.Time
}

// EntityKind names a cluster-scoped side entity table
type EntityKind string

const (
	KindOrganization         EntityKind = "organizations"
	KindJobTemplate          EntityKind = "job_templates"
	KindUser                 EntityKind = "aap_users"
	KindInventory            EntityKind = "inventories"
	KindExecutionEnvironment EntityKind = "execution_environments"
	KindInstanceGroup        EntityKind = "instance_groups"
	KindProject              EntityKind = "projects"
	KindLabel                EntityKind = "labels"
	KindHost                 EntityKind = "hosts"
)

// EntityKinds lists every side entity table
var EntityKinds = []EntityKind{
	KindOrganization,
	KindJobTemplate,
	KindUser,
	KindInventory,
	KindExecutionEnvironment,
	KindInstanceGroup,
	KindProject,
	KindLabel,
	KindHost,
}

// PlaceholderExternalID marks an entity known only by name
const PlaceholderExternalID int64 = -1

// Entity is a cluster-scoped side entity identified by its upstream id
type Entity struct {
	ID          string
	ClusterID   string
	ExternalID  int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HostCounters are the aggregate host outcome counters of a job
type HostCounters struct {
	NumHosts  int
	Changed   int
	Dark      int
	Failures  int
	Ok        int
	Processed int
	Skipped   int
	Failed    int
	Ignored   int
	Rescued   int
}

// Job is a normalized upstream job execution record
type Job struct {
	ID                     string
	ClusterID              string
	ExternalID             int64
	Name                   string
	Description            string
	Type                   string
	LaunchType             string
	Status                 string
	Failed                 bool
	Started                *time.Time
	Finished               *time.Time
	Elapsed                float64
	OrganizationID         *string
	JobTemplateID          *string
	LaunchedByID           *string
	InventoryID            *string
	ExecutionEnvironmentID *string
	InstanceGroupID        *string
	ProjectID              *string
	Counters               HostCounters
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// JobHostSummary is the per-host outcome of a job
type JobHostSummary struct {
	ID        string
	JobID     string
	HostID    *string
	HostName  string
	Changed   int
	Dark      int
	Failures  int
	Ok        int
	Processed int
	Skipped   int
	Failed    bool
	Ignored   int
	Rescued   int
	CreatedAt time.Time
}
