// Package providerservice is the provider lifecycle service (C8):
// add/update/remove a configured provider, keep its live plugin handle in
// sync, and resolve cached workflow parameters behind a per-workflow
// serialization lock.
//
// Grounded on the teacher's provider CRUD + hot-reload pair in
// internal/server/provider.go and internal/server/server.go
// (reloadProvider/removeProvider): persist through a store, then swap the
// in-memory handle so in-flight gateway calls never see a half-updated
// provider. Generalized from one LLMProvider per named config to one
// Plugin handle per provider row, versioned through internal/plugin's
// Registry instead of a bare map+mutex.
package providerservice

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/logi"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/plugin"
	"github.com/kestrelci/pipeforge/internal/store"
	"github.com/kestrelci/pipeforge/internal/vault"
)

// Service implements C8 over a ConfigStore, a CacheStore (for cascade
// deletes), the vault, the plugin registry, and the event bus.
type Service struct {
	config   store.ConfigStore
	cache    store.CacheStore
	vault    *vault.Vault
	registry *plugin.Registry
	bus      *eventbus.Bus

	paramMu    sync.Mutex
	paramLocks map[string]*sync.Mutex // workflow_id -> serialization lock
}

func New(config store.ConfigStore, cache store.CacheStore, v *vault.Vault, registry *plugin.Registry, bus *eventbus.Bus) *Service {
	return &Service{
		config:     config,
		cache:      cache,
		vault:      v,
		registry:   registry,
		bus:        bus,
		paramLocks: make(map[string]*sync.Mutex),
	}
}

// NewProviderRequest is the input to AddProvider.
type NewProviderRequest struct {
	Name                   string
	ProviderType           string
	Settings               map[string]string
	Token                  string // literal or ${ENV_VAR} / ${ENV_VAR:-default}
	RefreshIntervalSeconds int
}

// AddProvider builds and validates a plugin for cfg, then persists the
// provider, its permission probe, and its token, and installs the live
// handle.
//
// Order is adapted from spec.md §4.5 step 1-6: the provider row is
// persisted first (so the plugin can be Initialized with its real,
// durable ID instead of a placeholder), and is rolled back if plugin
// initialization subsequently fails — preserving the invariant that no
// provider is ever left configured without a working plugin handle.
func (s *Service) AddProvider(ctx context.Context, req NewProviderRequest) (*domain.Provider, error) {
	p, err := s.registry.NewPlugin(req.ProviderType)
	if err != nil {
		return nil, err
	}

	created, err := s.config.CreateProvider(ctx, domain.Provider{
		Name:                   req.Name,
		ProviderType:           req.ProviderType,
		Settings:               req.Settings,
		TokenReference:         req.Token,
		RefreshIntervalSeconds: req.RefreshIntervalSeconds,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	token := ResolveToken(req.Token)
	settingsWithToken := withToken(req.Settings, token)

	if err := p.Initialize(ctx, created.ID, settingsWithToken, httpClient); err != nil {
		_ = s.config.DeleteProvider(ctx, created.ID)
		return nil, domain.NewError(domain.KindInvalidConfig, "plugin initialization failed", err)
	}

	if meta := p.Metadata(); meta.ProviderType != "" && meta.ProviderType != req.ProviderType {
		_ = s.config.DeleteProvider(ctx, created.ID)
		return nil, domain.NewError(domain.KindInvalidConfig,
			fmt.Sprintf("plugin reports provider_type %q, requested %q", meta.ProviderType, req.ProviderType), nil)
	}

	var (
		credsOK    bool
		credsErr   error
		perms      domain.PermissionStatus
		permsErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		credsOK, credsErr = p.ValidateCredentials(gctx)
		return nil // credential failure is reported, not propagated as a group error
	})
	g.Go(func() error {
		perms, permsErr = p.CheckPermissions(gctx)
		return nil
	})
	_ = g.Wait()

	if credsErr != nil || !credsOK {
		_ = s.config.DeleteProvider(ctx, created.ID)
		return nil, domain.NewError(domain.KindAuthenticationFailed, "credential validation failed", credsErr)
	}

	if permsErr != nil {
		logi.Ctx(ctx).Warn("provider permission probe failed, storing no-permission-info", "provider_id", created.ID, "error", permsErr)
		perms = domain.PermissionStatus{Permissions: map[string]bool{}, CheckedAt: time.Now().UTC()}
	}
	if err := s.config.PutPermissions(ctx, created.ID, perms); err != nil {
		logi.Ctx(ctx).Error("persist provider permissions failed", "provider_id", created.ID, "error", err)
	}

	if token != "" {
		if err := s.vault.Put(ctx, created.ID, token); err != nil {
			_ = s.config.DeleteProvider(ctx, created.ID)
			return nil, domain.NewError(domain.KindInternal, "persist provider token", err)
		}
	}

	if err := s.registry.Put(created.ID, 0, created.Version, p); err != nil {
		logi.Ctx(ctx).Error("install live plugin handle failed", "provider_id", created.ID, "error", err)
	}

	s.bus.Publish(domain.Event{Type: domain.EventProviderAdded, Timestamp: time.Now().UTC(),
		Payload: domain.ProviderAddedPayload{ProviderID: created.ID, Name: created.Name}})

	return created, nil
}

// UpdateProvider applies cfg over the provider with id using optimistic
// concurrency: rows_affected = 0 (either missing or a concurrent writer
// won) surfaces as KindConcurrentModification. On success, a fresh plugin
// handle replaces the live one; the old handle is simply dropped (Go's
// GC reclaims it once nothing holds a reference, matching "old handle
// drops in background").
func (s *Service) UpdateProvider(ctx context.Context, id int64, updated domain.Provider, expectedVersion int64) (*domain.Provider, error) {
	ok, err := s.config.UpdateWithVersion(ctx, id, updated, expectedVersion)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewError(domain.KindConcurrentModification, fmt.Sprintf("provider %d changed concurrently", id), nil)
	}

	stored, err := s.config.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.NewError(domain.KindProviderNotFound, fmt.Sprintf("provider %d not found after update", id), nil)
	}

	p, err := s.registry.NewPlugin(stored.ProviderType)
	if err != nil {
		return stored, err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	token := ResolveToken(stored.TokenReference)
	if err := p.Initialize(ctx, stored.ID, withToken(stored.Settings, token), httpClient); err != nil {
		return stored, domain.NewError(domain.KindInvalidConfig, "plugin re-initialization failed", err)
	}

	if err := s.registry.Put(stored.ID, expectedVersion, stored.Version, p); err != nil {
		logi.Ctx(ctx).Warn("replace live plugin handle failed", "provider_id", stored.ID, "error", err)
	}

	s.bus.Publish(domain.Event{Type: domain.EventProviderUpdated, Timestamp: time.Now().UTC(),
		Payload: domain.ProviderUpdatedPayload{ProviderID: stored.ID, Version: stored.Version}})

	return stored, nil
}

// RemoveProvider deletes a provider and cascades cache cleanup in the
// order spec.md §4.3 requires: runs (FK), then workflow params (by
// pipeline-id prefix), then pipelines, then the provider record, then the
// token in the background. The handle is evicted before the token delete
// so no in-flight call can observe a handle with no backing token.
func (s *Service) RemoveProvider(ctx context.Context, id int64) error {
	existing, err := s.config.GetProvider(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.NewError(domain.KindProviderNotFound, fmt.Sprintf("provider %d not found", id), nil)
	}

	pipelines, err := s.cache.ListPipelinesByProvider(ctx, id)
	if err != nil {
		return err
	}

	for _, pl := range pipelines {
		if err := s.cache.DeleteRunsByPipeline(ctx, pl.ID); err != nil {
			return err
		}
		if err := s.cache.PurgeWorkflowParametersByPipelinePrefix(ctx, pl.ID); err != nil {
			return err
		}
	}
	if err := s.cache.DeletePipelinesByProvider(ctx, id); err != nil {
		return err
	}

	if err := s.config.DeleteProvider(ctx, id); err != nil {
		return err
	}

	s.registry.Remove(id)

	go func() {
		bgCtx := context.Background()
		if err := s.vault.Delete(bgCtx, id); err != nil {
			logi.Ctx(bgCtx).Error("background token delete failed", "provider_id", id, "error", err)
		}
	}()

	s.bus.Publish(domain.Event{Type: domain.EventProviderRemoved, Timestamp: time.Now().UTC(),
		Payload: domain.ProviderRemovedPayload{ProviderID: id, Name: existing.Name}})

	return nil
}

// Bootstrap rebuilds a live plugin handle for every already-persisted
// provider, the way the teacher's main wires providers map[string]
// ProviderInfo once at startup instead of lazily on first use — except
// here the provider set comes from the store, not from config, so this
// runs after the store is open and before the scheduler starts.
//
// A provider whose type has no compiled-in factory (no plugin package
// linked into this binary) or whose plugin fails to initialize is
// logged and skipped rather than aborting startup: the other providers
// must still come up, and the gap is visible in subsequent calls as a
// missing registry handle, which callers report as an error
// (KindProviderError from the pipeline service, KindProviderNotFound
// from GetWorkflowParameters).
func (s *Service) Bootstrap(ctx context.Context) error {
	providers, err := s.config.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("list providers for bootstrap: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	for _, stored := range providers {
		p, err := s.registry.NewPlugin(stored.ProviderType)
		if err != nil {
			logi.Ctx(ctx).Warn("skipping provider with no compiled-in plugin", "provider_id", stored.ID, "provider_type", stored.ProviderType, "error", err)
			continue
		}

		token := ResolveToken(stored.TokenReference)
		if err := p.Initialize(ctx, stored.ID, withToken(stored.Settings, token), httpClient); err != nil {
			logi.Ctx(ctx).Error("plugin initialization failed during bootstrap", "provider_id", stored.ID, "error", err)
			continue
		}

		if err := s.registry.Put(stored.ID, 0, stored.Version, p); err != nil {
			logi.Ctx(ctx).Error("install bootstrapped plugin handle failed", "provider_id", stored.ID, "error", err)
		}
	}

	return nil
}

// GetWorkflowParameters resolves the parameter list for workflowID,
// consulting the cache first and falling back to the plugin on miss, all
// under a per-workflow_id lock so concurrent callers for the same
// workflow_id coalesce onto one plugin call instead of stampeding it.
func (s *Service) GetWorkflowParameters(ctx context.Context, providerID int64, workflowID string) ([]domain.WorkflowParameter, error) {
	lock := s.paramLock(workflowID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.paramMu.Lock()
		delete(s.paramLocks, workflowID)
		s.paramMu.Unlock()
	}()

	if cached, err := s.cache.GetWorkflowParameters(ctx, workflowID); err == nil && cached != nil {
		return cached.Parameters, nil
	}

	p, ok := s.registry.Get(providerID)
	if !ok {
		return nil, domain.NewError(domain.KindProviderNotFound, fmt.Sprintf("no live plugin handle for provider %d", providerID), nil)
	}

	params, err := p.FetchWorkflowParameters(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := s.cache.UpsertWorkflowParameters(ctx, domain.WorkflowParameterList{
		WorkflowID: workflowID, Parameters: params, CachedAt: time.Now().UTC(),
	}); err != nil {
		logi.Ctx(ctx).Error("cache workflow parameters failed", "workflow_id", workflowID, "error", err)
	}

	return params, nil
}

func (s *Service) paramLock(workflowID string) *sync.Mutex {
	s.paramMu.Lock()
	defer s.paramMu.Unlock()
	lock, ok := s.paramLocks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		s.paramLocks[workflowID] = lock
	}
	return lock
}

// ResolveToken expands ${ENV_VAR} / ${ENV_VAR:-default} references
// against the process environment; a literal token (no ${...} wrapper)
// is returned unchanged. A missing env var with no default resolves to
// empty and is logged, never silently substituted with the literal text.
func ResolveToken(token string) string {
	if !strings.HasPrefix(token, "${") || !strings.HasSuffix(token, "}") {
		return token
	}
	inner := token[2 : len(token)-1]

	name, def, hasDefault := strings.Cut(inner, ":-")
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	if hasDefault {
		return def
	}
	logi.Default().Warn("provider token references undefined environment variable", "var", name)
	return ""
}

func withToken(settings map[string]string, token string) map[string]string {
	out := make(map[string]string, len(settings)+1)
	for k, v := range settings {
		out[k] = v
	}
	if token != "" {
		out["token"] = token
	}
	return out
}
