package pipelineservice

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/plugin"
	"github.com/kestrelci/pipeforge/internal/store/memory"
)

type stubPlugin struct {
	mu         sync.Mutex
	pipelines  []domain.Pipeline
	runs       []domain.PipelineRun
	fetchCalls int32
	runCalls   int32
	fetchErr   error
}

func (p *stubPlugin) Metadata() domain.Metadata { return domain.Metadata{ProviderType: "github"} }
func (p *stubPlugin) Initialize(ctx context.Context, providerID int64, settings map[string]string, httpClient *http.Client) error {
	return nil
}
func (p *stubPlugin) ValidateCredentials(ctx context.Context) (bool, error) { return true, nil }
func (p *stubPlugin) CheckPermissions(ctx context.Context) (domain.PermissionStatus, error) {
	return domain.PermissionStatus{}, nil
}
func (p *stubPlugin) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, nil
}
func (p *stubPlugin) FetchAvailablePipelinesFiltered(ctx context.Context, org, search string, page int) (domain.PaginatedResponse, error) {
	return domain.PaginatedResponse{}, nil
}
func (p *stubPlugin) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	atomic.AddInt32(&p.fetchCalls, 1)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipelines, nil
}
func (p *stubPlugin) FetchRunHistory(ctx context.Context, pipelineID string, limit int) ([]domain.PipelineRun, error) {
	atomic.AddInt32(&p.runCalls, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit > 0 && limit < len(p.runs) {
		return p.runs[:limit], nil
	}
	return p.runs, nil
}
func (p *stubPlugin) FetchRunDetails(ctx context.Context, pipelineID string, runNumber int64) (domain.PipelineRun, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.runs {
		if r.RunNumber == runNumber {
			return r, nil
		}
	}
	return domain.PipelineRun{}, domain.NewError(domain.KindPipelineNotFound, "run not found", nil)
}
func (p *stubPlugin) FetchWorkflowParameters(ctx context.Context, workflowID string) ([]domain.WorkflowParameter, error) {
	return nil, nil
}
func (p *stubPlugin) TriggerPipeline(ctx context.Context, params map[string]any) (string, error) {
	return "run-123", nil
}
func (p *stubPlugin) CancelRun(ctx context.Context, pipelineID string, runNumber int64) error {
	return nil
}
func (p *stubPlugin) GetFieldOptions(ctx context.Context, field string, settings map[string]string) ([]string, error) {
	return nil, nil
}

type stubMetrics struct {
	mu    sync.Mutex
	calls int
	last  []domain.PipelineRun
}

func (m *stubMetrics) ExtractAndStoreMetrics(ctx context.Context, pipelineID string, runs []domain.PipelineRun) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = runs
	return len(runs), nil
}

func newTestSetup(t *testing.T, p *stubPlugin, m MetricsExtractor) (*Service, *memory.Memory, int64) {
	t.Helper()
	mem := memory.New()
	reg := plugin.New()
	reg.RegisterFactory("github", func() (plugin.Plugin, error) { return p, nil })

	created, err := mem.CreateProvider(context.Background(), domain.Provider{Name: "org", ProviderType: "github"})
	if err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := reg.Put(created.ID, 0, created.Version, p); err != nil {
		t.Fatalf("install handle: %v", err)
	}

	svc := New(mem, mem, reg, eventbus.New(), m)
	return svc, mem, created.ID
}

func TestFetchPipelinesSingleProvider(t *testing.T) {
	p := &stubPlugin{pipelines: []domain.Pipeline{{ID: "p1", Name: "repo-a"}}}
	svc, mem, providerID := newTestSetup(t, p, nil)

	if err := svc.FetchPipelines(context.Background(), &providerID); err != nil {
		t.Fatalf("FetchPipelines: %v", err)
	}

	stored, err := mem.GetProvider(context.Background(), providerID)
	if err != nil || stored.LastFetchStatus != domain.FetchStatusSuccess {
		t.Fatalf("expected success fetch status, got %+v err %v", stored, err)
	}

	pipelines, _ := mem.ListPipelinesByProvider(context.Background(), providerID)
	if len(pipelines) != 1 {
		t.Fatalf("expected 1 cached pipeline, got %d", len(pipelines))
	}
}

func TestFetchPipelinesAllProvidersIgnoresPerProviderFailure(t *testing.T) {
	p := &stubPlugin{fetchErr: fmt.Errorf("boom")}
	svc, mem, providerID := newTestSetup(t, p, nil)

	if err := svc.FetchPipelines(context.Background(), nil); err != nil {
		t.Fatalf("FetchPipelines(nil) should absorb per-provider errors: %v", err)
	}

	stored, err := mem.GetProvider(context.Background(), providerID)
	if err != nil || stored.LastFetchStatus != domain.FetchStatusError {
		t.Fatalf("expected error fetch status recorded, got %+v err %v", stored, err)
	}
}

func TestFetchPipelinesDeduplicatesConcurrentCalls(t *testing.T) {
	p := &stubPlugin{pipelines: []domain.Pipeline{{ID: "p1"}}}
	svc, _, providerID := newTestSetup(t, p, nil)

	// Holding the stub's lock keeps the first plugin call in flight until
	// every caller has joined it.
	p.mu.Lock()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.fetchOneProvider(context.Background(), providerID)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	p.mu.Unlock()
	wg.Wait()

	if calls := atomic.LoadInt32(&p.fetchCalls); calls != 1 {
		t.Fatalf("expected concurrent callers to share one plugin call, got %d", calls)
	}
}

func TestFetchPipelinesZeroProvidersEmitsEmptyEvent(t *testing.T) {
	mem := memory.New()
	reg := plugin.New()
	bus := eventbus.New()
	svc := New(mem, mem, reg, bus, nil)

	sub, events := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	if err := svc.FetchPipelines(context.Background(), nil); err != nil {
		t.Fatalf("FetchPipelines(nil) with zero providers should succeed: %v", err)
	}

	select {
	case evt := <-events:
		if evt.Type != domain.EventPipelinesUpdated {
			t.Fatalf("got event type %v, want %v", evt.Type, domain.EventPipelinesUpdated)
		}
		payload, ok := evt.Payload.(domain.PipelinesUpdatedPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", evt.Payload)
		}
		if payload.New != 0 || payload.Changed != 0 || payload.Deleted != 0 {
			t.Fatalf("expected empty payload, got %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PipelinesUpdated event")
	}
}

func TestFetchRunHistoryDiffsAndMerges(t *testing.T) {
	now := time.Now().UTC()
	p := &stubPlugin{runs: []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 2, Status: "success", StartedAt: now},
		{PipelineID: "p1", RunNumber: 1, Status: "success", StartedAt: now.Add(-time.Hour)},
	}}
	svc, mem, providerID := newTestSetup(t, p, nil)
	if _, _, _, err := mem.UpdatePipelinesCache(context.Background(), providerID, []domain.Pipeline{
		{ID: "p1", ProviderID: providerID, Name: "repo-a"},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	runs, err := svc.FetchRunHistory(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("FetchRunHistory: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}

	cached, err := mem.GetCachedRunsWithHashes(context.Background(), "p1")
	if err != nil || len(cached) != 2 {
		t.Fatalf("expected 2 cached runs after merge, got %d err %v", len(cached), err)
	}
}

func TestFetchRunHistoryPipelineNotFound(t *testing.T) {
	p := &stubPlugin{}
	svc, _, _ := newTestSetup(t, p, nil)

	_, err := svc.FetchRunHistory(context.Background(), "missing", 10)
	if !domain.IsKind(err, domain.KindPipelineNotFound) {
		t.Fatalf("expected KindPipelineNotFound, got %v", err)
	}
}

func TestFetchRunHistoryPaginatedServesFromCacheWhenSufficient(t *testing.T) {
	p := &stubPlugin{}
	metrics := &stubMetrics{}
	svc, mem, providerID := newTestSetup(t, p, metrics)
	if _, _, _, err := mem.UpdatePipelinesCache(context.Background(), providerID, []domain.Pipeline{
		{ID: "p1", ProviderID: providerID},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}
	if err := mem.MergeRunCache(context.Background(), "p1", []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 1}, {PipelineID: "p1", RunNumber: 2},
	}, nil, nil); err != nil {
		t.Fatalf("seed runs: %v", err)
	}

	page, err := svc.FetchRunHistoryPaginated(context.Background(), "p1", 1, 2)
	if err != nil {
		t.Fatalf("FetchRunHistoryPaginated: %v", err)
	}
	if len(page.Runs) != 2 || !page.HasMore {
		t.Fatalf("got %+v", page)
	}
	if atomic.LoadInt32(&p.runCalls) != 0 {
		t.Fatal("expected no plugin call when cache already has enough rows")
	}
}

func TestFetchRunHistoryPaginatedFallsBackToPlugin(t *testing.T) {
	p := &stubPlugin{runs: []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 1, StartedAt: time.Now()},
	}}
	svc, mem, providerID := newTestSetup(t, p, &stubMetrics{})
	if _, _, _, err := mem.UpdatePipelinesCache(context.Background(), providerID, []domain.Pipeline{
		{ID: "p1", ProviderID: providerID},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	page, err := svc.FetchRunHistoryPaginated(context.Background(), "p1", 1, 50)
	if err != nil {
		t.Fatalf("FetchRunHistoryPaginated: %v", err)
	}
	if page.Total != 1 || !page.IsComplete {
		t.Fatalf("got %+v", page)
	}
}

func TestTriggerPipelinePublishesEvent(t *testing.T) {
	p := &stubPlugin{}
	svc, mem, providerID := newTestSetup(t, p, nil)
	if _, _, _, err := mem.UpdatePipelinesCache(context.Background(), providerID, []domain.Pipeline{
		{ID: "p1", ProviderID: providerID},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	runID, err := svc.TriggerPipeline(context.Background(), "p1", "wf-1", map[string]any{"ref": "main"})
	if err != nil {
		t.Fatalf("TriggerPipeline: %v", err)
	}
	if runID != "run-123" {
		t.Fatalf("got %q", runID)
	}
}
