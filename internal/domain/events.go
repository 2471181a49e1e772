package domain

import "time"

// EventType names one of the fixed set of events the event bus carries.
type EventType string

const (
	EventProviderAdded           EventType = "provider_added"
	EventProviderUpdated         EventType = "provider_updated"
	EventProviderRemoved         EventType = "provider_removed"
	EventProvidersChanged        EventType = "providers_changed"
	EventPipelinesUpdated        EventType = "pipelines_updated"
	EventPipelineCacheInvalidated EventType = "pipeline_cache_invalidated"
	EventRunHistoryCacheInvalidated EventType = "run_history_cache_invalidated"
	EventRunTriggered            EventType = "run_triggered"
	EventRunCancelled            EventType = "run_cancelled"
	EventMetricsGenerated        EventType = "metrics_generated"
	EventMigrationProgress       EventType = "migration_progress"
	EventVaultUnlocked           EventType = "vault_unlocked"
)

// Event is the envelope published on the event bus. Payload holds a
// type-specific struct from the set below; consumers type-switch on it.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// Payload types, one per EventType above.

type ProviderAddedPayload struct {
	ProviderID int64
	Name       string
}

type ProviderUpdatedPayload struct {
	ProviderID int64
	Version    int64
}

type ProviderRemovedPayload struct {
	ProviderID int64
	Name       string
}

// ProvidersChangedPayload fires whenever the provider set changes shape,
// independent of which specific CRUD event also fired.
type ProvidersChangedPayload struct {
	ProviderIDs []int64
}

type PipelinesUpdatedPayload struct {
	ProviderID int64
	New        int
	Changed    int
	Deleted    int
}

type PipelineCacheInvalidatedPayload struct {
	ProviderID int64
}

type RunHistoryCacheInvalidatedPayload struct {
	PipelineID string
}

type RunTriggeredPayload struct {
	PipelineID string
	WorkflowID string
}

type RunCancelledPayload struct {
	PipelineID string
	RunNumber  int64
}

type MetricsGeneratedPayload struct {
	PipelineID string
	SampleCount int
}

// MigrationProgressPayload reports step-by-step progress of C12.
type MigrationProgressPayload struct {
	Step    string
	Message string
	Done    bool
	Failed  bool
}

type VaultUnlockedPayload struct{}
