// Package pipelineservice is the pipeline diff engine (C7): it reconciles
// a plugin's view of pipelines/runs against the cache, decides what
// changed, and fans work out to the metrics engine without ever blocking
// a caller on that extraction.
//
// Grounded on original_source/.../application/services/pipeline_service.rs
// for the exact diff/paginate semantics, and on the teacher's
// internal/service/workflow/scheduler.go for the "run, log, never let one
// failure kill the batch" shape used in the all-providers fan-out.
package pipelineservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/logi"

	"github.com/kestrelci/pipeforge/internal/dedup"
	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/plugin"
	"github.com/kestrelci/pipeforge/internal/store"
)

const (
	singleProviderFetchTimeout  = 30 * time.Second
	allProvidersFetchTimeout    = 60 * time.Second
	maxConcurrentProviderFetches = 10
	maxCachedRunsForMetrics     = 10000
	maxPaginatedFetchLimit      = 1000
)

// MetricsExtractor is the narrow slice of C9 this service needs. Defined
// here (rather than imported from internal/metricsengine) so this package
// never has to know about metrics storage/aggregation — any type with
// this method, including a test fake, satisfies it.
type MetricsExtractor interface {
	ExtractAndStoreMetrics(ctx context.Context, pipelineID string, runs []domain.PipelineRun) (int, error)
}

// Service implements C7 over a ConfigStore, a CacheStore, the live plugin
// registry, the event bus, and an optional metrics extractor.
type Service struct {
	config  store.ConfigStore
	cache   store.CacheStore
	registry *plugin.Registry
	bus     *eventbus.Bus
	metrics MetricsExtractor

	pipelinesDedup *dedup.Deduplicator[[]domain.Pipeline]
	runsDedup      *dedup.Deduplicator[[]domain.PipelineRun]

	cacheInFlightMu sync.Mutex
	cacheInFlight   map[string]struct{} // pipeline_id -> write in progress
}

func New(config store.ConfigStore, cache store.CacheStore, registry *plugin.Registry, bus *eventbus.Bus, metrics MetricsExtractor) *Service {
	return &Service{
		config:         config,
		cache:          cache,
		registry:       registry,
		bus:            bus,
		metrics:        metrics,
		pipelinesDedup: dedup.New[[]domain.Pipeline](),
		runsDedup:      dedup.New[[]domain.PipelineRun](),
		cacheInFlight:  make(map[string]struct{}),
	}
}

// FetchPipelines refreshes one provider's pipeline cache (providerID != nil)
// or fans out across every configured provider (providerID == nil).
//
// Workflow-parameter cache is always purged first: it is always
// re-derived from a plugin's fetch_workflow_parameters on next access, so
// a stale entry left behind by a removed or renamed workflow would
// otherwise never get dropped. Reusing
// PurgeWorkflowParametersByPipelinePrefix with an empty prefix purges
// every entry, since every workflow_id has the empty string as a prefix.
func (s *Service) FetchPipelines(ctx context.Context, providerID *int64) error {
	if err := s.cache.PurgeWorkflowParametersByPipelinePrefix(ctx, ""); err != nil {
		return domain.NewError(domain.KindDatabaseError, "purge workflow parameter cache", err)
	}

	if providerID != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, singleProviderFetchTimeout)
		defer cancel()
		return s.fetchOneProvider(fetchCtx, *providerID)
	}

	providers, err := s.config.ListProviders(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list providers", err)
	}

	if len(providers) == 0 {
		s.bus.Publish(domain.Event{Type: domain.EventPipelinesUpdated, Timestamp: time.Now().UTC(),
			Payload: domain.PipelinesUpdatedPayload{}})
		return nil
	}

	fanCtx, cancel := context.WithTimeout(ctx, allProvidersFetchTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(fanCtx)
	g.SetLimit(maxConcurrentProviderFetches)
	for _, p := range providers {
		pid := p.ID
		g.Go(func() error {
			if err := s.fetchOneProvider(gctx, pid); err != nil {
				logi.Ctx(gctx).Warn("fetch_pipelines: provider fetch failed, recorded in fetch status",
					"provider_id", pid, "error", err)
			}
			return nil // per-provider failures are absorbed; they live in last_fetch_status
		})
	}
	_ = g.Wait()

	if fanCtx.Err() != nil {
		return domain.NewError(domain.KindTimeout, "fetch_pipelines: overall deadline exceeded", fanCtx.Err())
	}
	return nil
}

// fetchOneProvider is deduplicated by provider so a scheduler tick and a
// manual refresh racing for the same provider coalesce onto one plugin
// call instead of double-fetching.
func (s *Service) fetchOneProvider(ctx context.Context, providerID int64) error {
	key := fmt.Sprintf("fetch_pipelines:%d", providerID)
	_, err := s.pipelinesDedup.Do(ctx, key, func(ctx context.Context) ([]domain.Pipeline, error) {
		p, ok := s.registry.Get(providerID)
		if !ok {
			return nil, domain.NewError(domain.KindProviderError, fmt.Sprintf("no live plugin handle for provider %d", providerID), nil)
		}

		pipelines, fetchErr := p.FetchPipelines(ctx)
		now := time.Now().UTC()
		if fetchErr != nil {
			if err := s.config.UpdateFetchStatus(ctx, providerID, domain.FetchStatusError, fetchErr.Error(), now); err != nil {
				logi.Ctx(ctx).Error("record provider fetch failure failed", "provider_id", providerID, "error", err)
			}
			return nil, fetchErr
		}

		newC, changedC, deletedC, err := s.cache.UpdatePipelinesCache(ctx, providerID, pipelines)
		if err != nil {
			return nil, domain.NewError(domain.KindDatabaseError, "update pipelines cache", err)
		}
		if err := s.config.UpdateFetchStatus(ctx, providerID, domain.FetchStatusSuccess, "", now); err != nil {
			logi.Ctx(ctx).Error("record provider fetch success failed", "provider_id", providerID, "error", err)
		}

		s.bus.Publish(domain.Event{Type: domain.EventPipelinesUpdated, Timestamp: now,
			Payload: domain.PipelinesUpdatedPayload{ProviderID: providerID, New: newC, Changed: changedC, Deleted: deletedC}})
		return pipelines, nil
	})
	return err
}

// FetchRunHistory fetches the most recent limit runs for pipelineID,
// diffs them against the cache, merges any change, and returns the fresh
// API view (not the merged cache).
func (s *Service) FetchRunHistory(ctx context.Context, pipelineID string, limit int) ([]domain.PipelineRun, error) {
	pipeline, err := s.cache.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, domain.NewError(domain.KindDatabaseError, "look up pipeline", err)
	}
	if pipeline == nil {
		return nil, domain.NewError(domain.KindPipelineNotFound, fmt.Sprintf("pipeline %q not found", pipelineID), nil)
	}

	apiRuns, err := s.fetchRunsFromPlugin(ctx, pipeline.ProviderID, pipelineID, limit)
	if err != nil {
		return nil, err
	}

	if err := s.diffAndMergeRuns(ctx, pipelineID, apiRuns); err != nil {
		logi.Ctx(ctx).Error("merge run cache failed", "pipeline_id", pipelineID, "error", err)
	}

	return apiRuns, nil
}

// fetchRunsFromPlugin is the deduplicated, cache-free plugin call shared
// by FetchRunHistory and the paginated path's cache-miss branch.
func (s *Service) fetchRunsFromPlugin(ctx context.Context, providerID int64, pipelineID string, limit int) ([]domain.PipelineRun, error) {
	key := fmt.Sprintf("fetch_runs:%d:%s:%d", providerID, pipelineID, limit)
	return s.runsDedup.Do(ctx, key, func(ctx context.Context) ([]domain.PipelineRun, error) {
		p, ok := s.registry.Get(providerID)
		if !ok {
			return nil, domain.NewError(domain.KindProviderError, fmt.Sprintf("no live plugin handle for provider %d", providerID), nil)
		}
		return p.FetchRunHistory(ctx, pipelineID, limit)
	})
}

// diffAndMergeRuns computes each api run's hash, classifies it against the
// cache (new/changed), and marks cached run_numbers absent from the API
// response as deleted — but only those at or above the API's minimum
// run_number, so a short, recent page never clips the historical tail.
// If the API returned nothing, deletion is skipped entirely: an empty
// response carries no minimum to anchor the tail-preservation rule, and
// treating it as "delete everything" would wipe the cache on a transient
// empty fetch.
func (s *Service) diffAndMergeRuns(ctx context.Context, pipelineID string, apiRuns []domain.PipelineRun) error {
	if len(apiRuns) == 0 {
		return nil
	}

	cached, err := s.cache.GetCachedRunsWithHashes(ctx, pipelineID)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "load cached runs", err)
	}

	apiByNumber := make(map[int64]domain.PipelineRun, len(apiRuns))
	minAPIRunNumber := apiRuns[0].RunNumber
	for i, r := range apiRuns {
		r.RunHash = r.ComputeHash()
		apiRuns[i] = r
		apiByNumber[r.RunNumber] = r
		if r.RunNumber < minAPIRunNumber {
			minAPIRunNumber = r.RunNumber
		}
	}

	var newRuns, changedRuns []domain.PipelineRun
	for number, run := range apiByNumber {
		existing, ok := cached[number]
		switch {
		case !ok:
			newRuns = append(newRuns, run)
		case existing.Hash != run.RunHash:
			changedRuns = append(changedRuns, run)
		}
	}

	var deletedNumbers []int64
	for number := range cached {
		if _, ok := apiByNumber[number]; !ok && number >= minAPIRunNumber {
			deletedNumbers = append(deletedNumbers, number)
		}
	}

	if len(newRuns) == 0 && len(changedRuns) == 0 && len(deletedNumbers) == 0 {
		return nil
	}

	if err := s.cache.MergeRunCache(ctx, pipelineID, newRuns, changedRuns, deletedNumbers); err != nil {
		return domain.NewError(domain.KindDatabaseError, "merge run cache", err)
	}

	s.bus.Publish(domain.Event{Type: domain.EventRunHistoryCacheInvalidated, Timestamp: time.Now().UTC(),
		Payload: domain.RunHistoryCacheInvalidatedPayload{PipelineID: pipelineID}})
	return nil
}

// RunHistoryPage is the result of FetchRunHistoryPaginated.
type RunHistoryPage struct {
	Runs       []domain.PipelineRun
	Page       int
	PageSize   int
	Total      int
	IsComplete bool
	HasMore    bool
}

// FetchRunHistoryPaginated serves a page of run history, preferring the
// cache when it already has enough rows and only reaching for the plugin
// otherwise. Either way, caching and metrics extraction happen off the
// request path: the caller gets its page back without waiting on either.
func (s *Service) FetchRunHistoryPaginated(ctx context.Context, pipelineID string, page, pageSize int) (RunHistoryPage, error) {
	needed := page * pageSize
	offset := (page - 1) * pageSize

	cachedRuns, total, err := s.cache.ListCachedRuns(ctx, pipelineID, pageSize, offset)
	if err != nil {
		return RunHistoryPage{}, domain.NewError(domain.KindDatabaseError, "list cached runs", err)
	}

	if total >= needed {
		if page == 1 {
			go s.extractMetricsFromCache(context.WithoutCancel(ctx), pipelineID)
		}
		return RunHistoryPage{
			Runs: cachedRuns, Page: page, PageSize: pageSize, Total: total,
			IsComplete: false, HasMore: true,
		}, nil
	}

	pipeline, err := s.cache.GetPipeline(ctx, pipelineID)
	if err != nil {
		return RunHistoryPage{}, domain.NewError(domain.KindDatabaseError, "look up pipeline", err)
	}
	if pipeline == nil {
		return RunHistoryPage{}, domain.NewError(domain.KindPipelineNotFound, fmt.Sprintf("pipeline %q not found", pipelineID), nil)
	}

	fetchLimit := needed
	if rem := fetchLimit % 100; rem != 0 {
		fetchLimit += 100 - rem
	}
	if fetchLimit > maxPaginatedFetchLimit {
		fetchLimit = maxPaginatedFetchLimit
	}

	apiRuns, err := s.fetchRunsFromPlugin(ctx, pipeline.ProviderID, pipelineID, fetchLimit)
	if err != nil {
		return RunHistoryPage{}, err
	}
	isComplete := len(apiRuns) < fetchLimit

	if s.tryAcquireCacheWrite(pipelineID) {
		detachedCtx := context.WithoutCancel(ctx)
		go func() {
			defer s.releaseCacheWrite(pipelineID)
			if err := s.diffAndMergeRuns(detachedCtx, pipelineID, apiRuns); err != nil {
				logi.Ctx(detachedCtx).Error("paginated cache_run_history failed", "pipeline_id", pipelineID, "error", err)
			}
		}()
	}
	go s.extractMetrics(context.WithoutCancel(ctx), pipelineID, apiRuns)

	start := offset
	if start > len(apiRuns) {
		start = len(apiRuns)
	}
	end := start + pageSize
	if end > len(apiRuns) {
		end = len(apiRuns)
	}

	return RunHistoryPage{
		Runs: apiRuns[start:end], Page: page, PageSize: pageSize, Total: len(apiRuns),
		IsComplete: isComplete, HasMore: end < len(apiRuns),
	}, nil
}

// tryAcquireCacheWrite reports whether pipelineID's cache write lock was
// free and claims it if so — the Go stand-in for the DashSet guard spec.md
// describes, which exists only to drop a second concurrent write attempt
// rather than queue it.
func (s *Service) tryAcquireCacheWrite(pipelineID string) bool {
	s.cacheInFlightMu.Lock()
	defer s.cacheInFlightMu.Unlock()
	if _, ok := s.cacheInFlight[pipelineID]; ok {
		return false
	}
	s.cacheInFlight[pipelineID] = struct{}{}
	return true
}

func (s *Service) releaseCacheWrite(pipelineID string) {
	s.cacheInFlightMu.Lock()
	delete(s.cacheInFlight, pipelineID)
	s.cacheInFlightMu.Unlock()
}

func (s *Service) extractMetricsFromCache(ctx context.Context, pipelineID string) {
	runs, _, err := s.cache.ListCachedRuns(ctx, pipelineID, maxCachedRunsForMetrics, 0)
	if err != nil {
		logi.Ctx(ctx).Error("load cached runs for metrics extraction failed", "pipeline_id", pipelineID, "error", err)
		return
	}
	s.extractMetrics(ctx, pipelineID, runs)
}

func (s *Service) extractMetrics(ctx context.Context, pipelineID string, runs []domain.PipelineRun) {
	if s.metrics == nil || len(runs) == 0 {
		return
	}
	if _, err := s.metrics.ExtractAndStoreMetrics(ctx, pipelineID, runs); err != nil {
		logi.Ctx(ctx).Error("metrics extraction failed", "pipeline_id", pipelineID, "error", err)
	}
}

// TriggerPipeline resolves pipelineID's provider and delegates, emitting
// RunTriggered on success. workflowID is carried through only for the
// event payload; the plugin call itself is driven entirely by params.
func (s *Service) TriggerPipeline(ctx context.Context, pipelineID, workflowID string, params map[string]any) (string, error) {
	p, pipeline, err := s.resolvePluginForPipeline(ctx, pipelineID)
	if err != nil {
		return "", err
	}

	runID, err := p.TriggerPipeline(ctx, params)
	if err != nil {
		return "", err
	}

	s.bus.Publish(domain.Event{Type: domain.EventRunTriggered, Timestamp: time.Now().UTC(),
		Payload: domain.RunTriggeredPayload{PipelineID: pipeline.ID, WorkflowID: workflowID}})
	return runID, nil
}

// CancelRun resolves pipelineID's provider and delegates, emitting
// RunCancelled on success.
func (s *Service) CancelRun(ctx context.Context, pipelineID string, runNumber int64) error {
	p, pipeline, err := s.resolvePluginForPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if err := p.CancelRun(ctx, pipelineID, runNumber); err != nil {
		return err
	}
	s.bus.Publish(domain.Event{Type: domain.EventRunCancelled, Timestamp: time.Now().UTC(),
		Payload: domain.RunCancelledPayload{PipelineID: pipeline.ID, RunNumber: runNumber}})
	return nil
}

// FetchRunDetails resolves pipelineID's provider and delegates.
func (s *Service) FetchRunDetails(ctx context.Context, pipelineID string, runNumber int64) (domain.PipelineRun, error) {
	p, _, err := s.resolvePluginForPipeline(ctx, pipelineID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	return p.FetchRunDetails(ctx, pipelineID, runNumber)
}

func (s *Service) resolvePluginForPipeline(ctx context.Context, pipelineID string) (plugin.Plugin, *domain.Pipeline, error) {
	pipeline, err := s.cache.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, nil, domain.NewError(domain.KindDatabaseError, "look up pipeline", err)
	}
	if pipeline == nil {
		return nil, nil, domain.NewError(domain.KindPipelineNotFound, fmt.Sprintf("pipeline %q not found", pipelineID), nil)
	}
	p, ok := s.registry.Get(pipeline.ProviderID)
	if !ok {
		return nil, nil, domain.NewError(domain.KindProviderError, fmt.Sprintf("no live plugin handle for provider %d", pipeline.ProviderID), nil)
	}
	return p, pipeline, nil
}

// RefreshAll purges every pipeline's run cache and then re-fetches every
// provider's pipeline list from scratch.
func (s *Service) RefreshAll(ctx context.Context) error {
	providers, err := s.config.ListProviders(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list providers", err)
	}
	for _, prov := range providers {
		pipelines, err := s.cache.ListPipelinesByProvider(ctx, prov.ID)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list pipelines for purge", err)
		}
		for _, pl := range pipelines {
			if err := s.cache.PurgeRunCache(ctx, pl.ID); err != nil {
				logi.Ctx(ctx).Error("purge run cache before refresh_all failed", "pipeline_id", pl.ID, "error", err)
			}
		}
	}
	return s.FetchPipelines(ctx, nil)
}
