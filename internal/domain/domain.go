// Package domain holds the types shared across every core component:
// provider and pipeline records, cached runs, metrics samples, and the
// errors and events that flow between them.
package domain

import (
	"time"

	"github.com/worldline-go/types"
)

// FetchStatus is the outcome of the most recent attempt to reach a provider.
type FetchStatus string

const (
	FetchStatusNever   FetchStatus = "never"
	FetchStatusSuccess FetchStatus = "success"
	FetchStatusError   FetchStatus = "error"
)

// Provider is a configured, credentialed connection to a remote CI/CD
// backend. ID is a stable integer surrogate key; Name is unique.
type Provider struct {
	ID                     int64
	Name                   string
	ProviderType           string
	Settings               map[string]string
	TokenReference         string // opaque handle resolved by the vault/env syntax, never logged
	RefreshIntervalSeconds int
	Version                int64
	LastFetchStatus        FetchStatus
	LastFetchError         types.Null[string]
	LastFetchAt            types.Null[types.Time]
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Pipeline is a cached, plugin-reported CI/CD pipeline definition.
// ID is plugin-chosen and globally unique by convention
// "<type>__<provider_id>__<plugin-specific>".
type Pipeline struct {
	ID            string
	ProviderID    int64
	ProviderType  string
	Name          string
	Status        string
	Repository    string
	Branch        types.Null[string]
	WorkflowFile  types.Null[string]
	LastRunAt     types.Null[types.Time]
	LastUpdatedAt time.Time
	Metadata      map[string]any
}

// PipelineRun is one execution of a Pipeline, keyed with it by run number.
type PipelineRun struct {
	PipelineID     string
	RunNumber      int64
	Status         string
	StartedAt      time.Time
	ConcludedAt    types.Null[types.Time]
	DurationSecs   types.Null[int64]
	CommitSHA      types.Null[string]
	Branch         types.Null[string]
	Actor          types.Null[string]
	LogsURL        string
	Inputs         map[string]any
	Metadata       map[string]any
	RunHash        string // see ComputeHash() in runhash.go; persisted so cache diffs don't recompute it
}

// WorkflowParameter describes one input accepted by a workflow.
type WorkflowParameter struct {
	Name        string
	Type        string
	Required    bool
	Default     string
	Description string
}

// WorkflowParameterList is the cached parameter set for one workflow_id.
//
// The cache is keyed by workflow_id but purged by a LIKE pipeline_id%
// match (see ProviderService.RemoveProvider): this requires workflow IDs to
// lexically embed their owning pipeline's ID. That is a plugin-authoring
// contract, not something the core can enforce structurally — flagged here
// per spec.md §9 so it isn't rediscovered as a bug.
type WorkflowParameterList struct {
	WorkflowID string
	Parameters []WorkflowParameter
	CachedAt   time.Time
}

// MetricKind enumerates the built-in extracted metric types. Providers may
// contribute additional provider-extension kinds as opaque strings.
type MetricKind string

const (
	MetricRunDuration MetricKind = "run_duration"
	MetricQueueTime   MetricKind = "queue_time"
	MetricSuccessRate MetricKind = "success_rate"
	MetricRunCount    MetricKind = "run_count"
)

// MetricsSample is one timestamped numeric observation derived from a run.
type MetricsSample struct {
	PipelineID string
	RunNumber  int64
	Timestamp  time.Time
	MetricKind string
	Value      float64
	Metadata   map[string]any
	RunHash    string
}

// ProcessingState tracks the metrics-extraction watermark for one pipeline.
type ProcessingState struct {
	PipelineID            string
	LastProcessedRun      int64
	LastProcessedAt       types.Null[types.Time]
}

// MetricsConfig is the effective (pipeline-override-over-global) metrics
// configuration for a pipeline.
type MetricsConfig struct {
	Enabled       bool
	RetentionDays int
}

// AggregationPeriod buckets samples for query_aggregated.
type AggregationPeriod string

const (
	PeriodHourly  AggregationPeriod = "hourly"
	PeriodDaily   AggregationPeriod = "daily"
	PeriodWeekly  AggregationPeriod = "weekly"
	PeriodMonthly AggregationPeriod = "monthly"
)

// AggregationType is the statistic computed per bucket.
type AggregationType string

const (
	AggAvg AggregationType = "avg"
	AggSum AggregationType = "sum"
	AggMin AggregationType = "min"
	AggMax AggregationType = "max"
	AggP95 AggregationType = "p95"
	AggP99 AggregationType = "p99"
)

// PermissionStatus summarizes what a provider's credentials can do.
type PermissionStatus struct {
	Permissions map[string]bool
	CheckedAt   time.Time
}

// Organization is one account/workspace/group a provider's credentials can
// see, as surfaced by a plugin's fetch_organizations for setup UIs.
type Organization struct {
	ID   string
	Name string
}

// PaginatedResponse is the page shape returned by a plugin's
// fetch_available_pipelines_filtered, used by setup UIs to let a user
// browse and pick which pipelines to configure before caching starts.
type PaginatedResponse struct {
	Items      []Pipeline
	TotalCount int
	Page       int
	HasMore    bool
}

// Metadata is a plugin's static self-description.
type Metadata struct {
	ProviderType string
	Features     []string
	TableSchema  map[string]string
	Icon         string
}
