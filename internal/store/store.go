// Package store defines the backend-neutral persistence surface for
// configuration (C2), cache (C3), and metrics (C4) data, and selects a
// concrete backend (postgres, sqlite, or an in-memory fake) at startup.
//
// The interface split mirrors the teacher's own ProviderStorer/
// APITokenStorer separation in internal/service/at.go: one interface per
// concern, a concrete backend implements all of them, and callers depend
// on the narrowest interface they need.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelci/pipeforge/internal/config"
	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/store/memory"
	"github.com/kestrelci/pipeforge/internal/store/postgres"
	"github.com/kestrelci/pipeforge/internal/store/sqlite"
	"github.com/kestrelci/pipeforge/internal/vault"
)

// ConfigStore is C2: provider CRUD, permissions, table preferences, and
// the encrypted-secret row access the vault persists through
// (vault.RecordStore), plus export/import for migration.
type ConfigStore interface {
	vault.RecordStore

	CreateProvider(ctx context.Context, p domain.Provider) (*domain.Provider, error)
	GetProvider(ctx context.Context, id int64) (*domain.Provider, error)
	GetProviderByName(ctx context.Context, name string) (*domain.Provider, error)
	ListProviders(ctx context.Context) ([]domain.Provider, error)
	// UpdateWithVersion applies p over the row with id, but only if its
	// current version equals expectedVersion. false means no row matched
	// both id and version (either missing, or a concurrent writer won).
	UpdateWithVersion(ctx context.Context, id int64, p domain.Provider, expectedVersion int64) (bool, error)
	UpdateFetchStatus(ctx context.Context, id int64, status domain.FetchStatus, errMsg string, at time.Time) error
	DeleteProvider(ctx context.Context, id int64) error

	PutPermissions(ctx context.Context, providerID int64, perms domain.PermissionStatus) error
	GetPermissions(ctx context.Context, providerID int64) (*domain.PermissionStatus, error)

	PutTablePreferences(ctx context.Context, providerID int64, tableID string, prefs map[string]any) error
	GetTablePreferences(ctx context.Context, providerID int64, tableID string) (map[string]any, error)

	// ExportProviders/ImportProviders back the migration orchestrator's
	// portable transfer path (§4.1/§4.8): import returns an old-id→new-id
	// remap built by matching provider name.
	ExportProviders(ctx context.Context) ([]domain.Provider, error)
	ImportProviders(ctx context.Context, providers []domain.Provider) (map[int64]int64, error)
}

// CacheStore is C3: pipelines/runs/workflow-parameters cache.
type CacheStore interface {
	// UpdatePipelinesCache applies set-equals semantics (I3): insert what's
	// new, update what materially changed, delete what's no longer present.
	UpdatePipelinesCache(ctx context.Context, providerID int64, pipelines []domain.Pipeline) (newCount, changedCount, deletedCount int, err error)
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	ListPipelinesByProvider(ctx context.Context, providerID int64) ([]domain.Pipeline, error)
	DeletePipelinesByProvider(ctx context.Context, providerID int64) error

	GetCachedRunsWithHashes(ctx context.Context, pipelineID string) (map[int64]domain.CachedRun, error)
	MergeRunCache(ctx context.Context, pipelineID string, newRuns, changedRuns []domain.PipelineRun, deletedRunNumbers []int64) error
	ListCachedRuns(ctx context.Context, pipelineID string, limit, offset int) (runs []domain.PipelineRun, total int, err error)
	PurgeRunCache(ctx context.Context, pipelineID string) error
	DeleteRunsByPipeline(ctx context.Context, pipelineID string) error

	UpsertWorkflowParameters(ctx context.Context, params domain.WorkflowParameterList) error
	GetWorkflowParameters(ctx context.Context, workflowID string) (*domain.WorkflowParameterList, error)
	// PurgeWorkflowParametersByPipelinePrefix deletes every cached entry
	// whose workflow_id is prefixed by pipelineID, per the documented
	// plugin-authoring convention on domain.WorkflowParameterList.
	PurgeWorkflowParametersByPipelinePrefix(ctx context.Context, pipelineID string) error
}

// MetricsStore is C4: samples, processing watermark, and retention.
type MetricsStore interface {
	InsertSamples(ctx context.Context, samples []domain.MetricsSample) (inserted int, err error)
	Query(ctx context.Context, q domain.MetricsQuery) ([]domain.MetricsSample, error)
	QueryAggregatedPushdown(ctx context.Context, q domain.MetricsQuery) ([]domain.AggregatedPoint, error)

	GetProcessingState(ctx context.Context, pipelineID string) (*domain.ProcessingState, error)
	AdvanceProcessingState(ctx context.Context, pipelineID string, runNumber int64) error
	ResetProcessingState(ctx context.Context, pipelineID string) error
	ListCorruptedProcessingStates(ctx context.Context) ([]string, error)
	CountSamples(ctx context.Context, pipelineID string) (int, error)

	GetMetricsConfig(ctx context.Context, pipelineID string) (*domain.MetricsConfig, error)
	PutMetricsConfig(ctx context.Context, pipelineID string, cfg domain.MetricsConfig) error
	GetGlobalMetricsConfig(ctx context.Context) (domain.MetricsConfig, error)
	PutGlobalMetricsConfig(ctx context.Context, cfg domain.MetricsConfig) error

	DeleteOldMetrics(ctx context.Context, cutoffByPipeline map[string]time.Time) (deleted int, err error)
	GetLastCleanupAt(ctx context.Context) (time.Time, error)
	SetLastCleanupAt(ctx context.Context, at time.Time) error
}

// Store bundles all three persistence concerns plus lifecycle, the way
// the teacher's StorerClose bundles ProviderStorer+APITokenStorer+Close.
type Store interface {
	ConfigStore
	CacheStore
	MetricsStore
	Close()
}

// New selects a backend by cfg.Storage.Backend ("sqlite" default,
// "postgres", or "memory" for tests/demo).
func New(ctx context.Context, cfg config.Storage) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.New(ctx, cfg.Postgres)
	case "sqlite", "":
		return sqlite.New(ctx, cfg.DataDir)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
