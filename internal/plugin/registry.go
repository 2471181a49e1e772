package plugin

import (
	"fmt"
	"sync"

	"github.com/kestrelci/pipeforge/internal/domain"
)

// Handle is a live, initialized Plugin instance for one configured
// provider, plus the provider row's version at the time it was built.
type Handle struct {
	Plugin  Plugin
	Version int64
}

// Registry holds the provider-type→Factory map (populated once at
// startup by every compiled-in plugin) and the live provider-ID→Handle
// map the rest of the core calls through.
//
// Grounded on the teacher's providers map + providerMu sync.RWMutex in
// internal/server/server.go, generalized from one factory function to a
// factory-per-provider-type registry since pipeforge hosts many plugin
// kinds concurrently rather than one gateway's worth of LLM backends.
type Registry struct {
	factoryMu sync.RWMutex
	factories map[string]Factory

	handleMu sync.RWMutex
	handles  map[int64]*Handle
}

func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		handles:   make(map[int64]*Handle),
	}
}

// RegisterFactory registers the constructor for providerType. Called once
// per compiled-in plugin at startup, before any provider is configured.
func (r *Registry) RegisterFactory(providerType string, f Factory) {
	r.factoryMu.Lock()
	defer r.factoryMu.Unlock()
	r.factories[providerType] = f
}

// NewPlugin builds an uninitialized Plugin for providerType.
func (r *Registry) NewPlugin(providerType string) (Plugin, error) {
	r.factoryMu.RLock()
	f, ok := r.factories[providerType]
	r.factoryMu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.KindInvalidProviderType, fmt.Sprintf("no plugin registered for provider type %q", providerType), nil)
	}
	return f()
}

// KnownProviderTypes lists every registered provider type, for setup UIs.
func (r *Registry) KnownProviderTypes() []string {
	r.factoryMu.RLock()
	defer r.factoryMu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// Get returns the live handle for providerID, if one has been built.
func (r *Registry) Get(providerID int64) (Plugin, bool) {
	r.handleMu.RLock()
	defer r.handleMu.RUnlock()
	h, ok := r.handles[providerID]
	if !ok {
		return nil, false
	}
	return h.Plugin, true
}

// Put installs or replaces the handle for providerID. expectedVersion is
// the version the caller observed before building p; if a handle already
// exists with a different version, a concurrent writer has already won
// and Put fails with KindConcurrentModification rather than silently
// clobbering a newer handle with a stale one. newVersion becomes the
// stored version on success.
func (r *Registry) Put(providerID, expectedVersion, newVersion int64, p Plugin) error {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	if existing, ok := r.handles[providerID]; ok && existing.Version != expectedVersion {
		return domain.NewError(domain.KindConcurrentModification,
			fmt.Sprintf("provider %d handle changed (expected version %d, have %d)", providerID, expectedVersion, existing.Version), nil)
	}

	r.handles[providerID] = &Handle{Plugin: p, Version: newVersion}
	return nil
}

// Remove deletes the handle for providerID, if any. Called on provider
// deletion; never errors, matching the teacher's removeProvider.
func (r *Registry) Remove(providerID int64) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	delete(r.handles, providerID)
}

// Len reports the number of live handles, for diagnostics.
func (r *Registry) Len() int {
	r.handleMu.RLock()
	defer r.handleMu.RUnlock()
	return len(r.handles)
}
