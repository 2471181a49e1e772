// Package plugin is the boundary the core calls through to reach a
// provider's CI/CD backend (C5). It never executes arbitrary code itself:
// every provider type ships a Plugin implementation, registered by type
// name, and the registry hands out live handles keyed by provider ID.
//
// Grounded on the teacher's own provider registry in
// internal/server/server.go: a ProviderFactory function injected from
// main, a providers map guarded by a sync.RWMutex, and reloadProvider/
// removeProvider as the only writers (hot-reload on create/update/delete).
package plugin

import (
	"context"
	"net/http"

	"github.com/kestrelci/pipeforge/internal/domain"
)

// Plugin is the capability surface a provider type must implement. Method
// set and semantics are fixed; errors map to domain.Error kinds
// (KindProviderError, KindAuthenticationFailed, KindPipelineNotFound,
// KindInvalidConfig, KindNetwork, KindRateLimited).
type Plugin interface {
	// Metadata is a static description: no network I/O, safe to call
	// before Initialize.
	Metadata() domain.Metadata

	// Initialize performs one-time setup (parsing settings, opening a
	// client) for a specific configured provider instance. httpClient is
	// optional; a nil value means the plugin should build its own.
	Initialize(ctx context.Context, providerID int64, settings map[string]string, httpClient *http.Client) error

	// ValidateCredentials must be side-effect-free: it reports whether the
	// credentials work, never whether the probe itself mutates state.
	ValidateCredentials(ctx context.Context) (bool, error)

	// CheckPermissions is used to derive which features the provider
	// instance can expose; a failure here is non-fatal to the caller (see
	// AddProvider in internal/providerservice), unlike ValidateCredentials.
	CheckPermissions(ctx context.Context) (domain.PermissionStatus, error)

	FetchOrganizations(ctx context.Context) ([]domain.Organization, error)
	FetchAvailablePipelinesFiltered(ctx context.Context, org, search string, page int) (domain.PaginatedResponse, error)
	FetchPipelines(ctx context.Context) ([]domain.Pipeline, error)
	FetchRunHistory(ctx context.Context, pipelineID string, limit int) ([]domain.PipelineRun, error)
	FetchRunDetails(ctx context.Context, pipelineID string, runNumber int64) (domain.PipelineRun, error)
	FetchWorkflowParameters(ctx context.Context, workflowID string) ([]domain.WorkflowParameter, error)

	// TriggerPipeline returns the provider-chosen identifier for the run it
	// started.
	TriggerPipeline(ctx context.Context, params map[string]any) (string, error)
	// CancelRun is idempotent if the provider supports it; callers should
	// not treat "already concluded" as an error.
	CancelRun(ctx context.Context, pipelineID string, runNumber int64) error

	GetFieldOptions(ctx context.Context, field string, settings map[string]string) ([]string, error)
}

// Factory builds an uninitialized Plugin for a provider type. Registered
// once per provider type at startup (analogous to the teacher's
// ProviderFactory, generalized from "one factory for the whole gateway" to
// "one factory per provider type" since pipeforge hosts many plugin
// kinds at once).
type Factory func() (Plugin, error)
