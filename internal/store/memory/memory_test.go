package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelci/pipeforge/internal/domain"
)

func TestCreateAndGetProvider(t *testing.T) {
	ctx := context.Background()
	m := New()

	created, err := m.CreateProvider(ctx, domain.Provider{Name: "gh-main", ProviderType: "github_actions"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.Version != 1 {
		t.Fatalf("unexpected created provider: %+v", created)
	}

	got, err := m.GetProvider(ctx, created.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "gh-main" {
		t.Fatalf("got name %q", got.Name)
	}
}

func TestCreateProviderDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	m := New()
	if _, err := m.CreateProvider(ctx, domain.Provider{Name: "dup"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := m.CreateProvider(ctx, domain.Provider{Name: "dup"}); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestUpdateWithVersionOptimisticLock(t *testing.T) {
	ctx := context.Background()
	m := New()
	p, _ := m.CreateProvider(ctx, domain.Provider{Name: "p1"})

	ok, err := m.UpdateWithVersion(ctx, p.ID, domain.Provider{Name: "p1-renamed"}, p.Version)
	if err != nil || !ok {
		t.Fatalf("expected update to succeed, ok=%v err=%v", ok, err)
	}

	// stale version should now be rejected.
	ok, err = m.UpdateWithVersion(ctx, p.ID, domain.Provider{Name: "p1-stale"}, p.Version)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected stale version update to fail")
	}

	got, _ := m.GetProvider(ctx, p.ID)
	if got.Name != "p1-renamed" || got.Version != p.Version+1 {
		t.Fatalf("unexpected provider after update: %+v", got)
	}
}

func TestDeleteProviderCascadesPermissionsAndPreferences(t *testing.T) {
	ctx := context.Background()
	m := New()
	p, _ := m.CreateProvider(ctx, domain.Provider{Name: "p1"})
	_ = m.PutPermissions(ctx, p.ID, domain.PermissionStatus{Permissions: map[string]bool{"trigger": true}})
	_ = m.PutTablePreferences(ctx, p.ID, "runs", map[string]any{"page_size": 25})

	if err := m.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if perms, _ := m.GetPermissions(ctx, p.ID); perms != nil {
		t.Fatal("expected permissions to be removed with provider")
	}
	if prefs, _ := m.GetTablePreferences(ctx, p.ID, "runs"); prefs != nil {
		t.Fatal("expected table preferences to be removed with provider")
	}
}

func TestUpdatePipelinesCacheSetEquals(t *testing.T) {
	ctx := context.Background()
	m := New()

	newC, changedC, deletedC, err := m.UpdatePipelinesCache(ctx, 1, []domain.Pipeline{
		{ID: "pl-1", ProviderID: 1, Name: "build", Status: "active"},
		{ID: "pl-2", ProviderID: 1, Name: "deploy", Status: "active"},
	})
	if err != nil || newC != 2 || changedC != 0 || deletedC != 0 {
		t.Fatalf("unexpected initial cache update: new=%d changed=%d deleted=%d err=%v", newC, changedC, deletedC, err)
	}

	newC, changedC, deletedC, err = m.UpdatePipelinesCache(ctx, 1, []domain.Pipeline{
		{ID: "pl-1", ProviderID: 1, Name: "build", Status: "disabled"},
	})
	if err != nil || newC != 0 || changedC != 1 || deletedC != 1 {
		t.Fatalf("unexpected second cache update: new=%d changed=%d deleted=%d err=%v", newC, changedC, deletedC, err)
	}

	pipelines, err := m.ListPipelinesByProvider(ctx, 1)
	if err != nil || len(pipelines) != 1 || pipelines[0].Status != "disabled" {
		t.Fatalf("unexpected pipelines after cache update: %+v, err=%v", pipelines, err)
	}
}

func TestMergeRunCacheAndListOrdering(t *testing.T) {
	ctx := context.Background()
	m := New()

	run1 := domain.PipelineRun{PipelineID: "pl-1", RunNumber: 1, Status: "success", StartedAt: time.Now()}
	run2 := domain.PipelineRun{PipelineID: "pl-1", RunNumber: 2, Status: "success", StartedAt: time.Now()}
	if err := m.MergeRunCache(ctx, "pl-1", []domain.PipelineRun{run1, run2}, nil, nil); err != nil {
		t.Fatalf("merge: %v", err)
	}

	runs, total, err := m.ListCachedRuns(ctx, "pl-1", 10, 0)
	if err != nil || total != 2 {
		t.Fatalf("list: %v total=%d", err, total)
	}
	if runs[0].RunNumber != 2 || runs[1].RunNumber != 1 {
		t.Fatalf("expected descending run_number order, got %+v", runs)
	}
}

func TestMergeRunCacheDeletion(t *testing.T) {
	ctx := context.Background()
	m := New()
	_ = m.MergeRunCache(ctx, "pl-1", []domain.PipelineRun{{PipelineID: "pl-1", RunNumber: 1}}, nil, nil)
	if err := m.MergeRunCache(ctx, "pl-1", nil, nil, []int64{1}); err != nil {
		t.Fatalf("merge delete: %v", err)
	}
	_, total, _ := m.ListCachedRuns(ctx, "pl-1", 10, 0)
	if total != 0 {
		t.Fatalf("expected run to be deleted, total=%d", total)
	}
}

func TestInsertSamplesDeduplicatesByPipelineRunKind(t *testing.T) {
	ctx := context.Background()
	m := New()

	s := domain.MetricsSample{PipelineID: "pl-1", RunNumber: 1, MetricKind: string(domain.MetricRunDuration), Value: 12.5, Timestamp: time.Now()}
	inserted, err := m.InsertSamples(ctx, []domain.MetricsSample{s})
	if err != nil || inserted != 1 {
		t.Fatalf("first insert: inserted=%d err=%v", inserted, err)
	}

	inserted, err = m.InsertSamples(ctx, []domain.MetricsSample{s})
	if err != nil || inserted != 0 {
		t.Fatalf("duplicate insert should be a no-op: inserted=%d err=%v", inserted, err)
	}

	count, err := m.CountSamples(ctx, "pl-1")
	if err != nil || count != 1 {
		t.Fatalf("count=%d err=%v", count, err)
	}
}

func TestProcessingStateAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := New()

	if err := m.AdvanceProcessingState(ctx, "pl-1", 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := m.AdvanceProcessingState(ctx, "pl-1", 3); err != nil {
		t.Fatalf("advance backwards should be a no-op, not an error: %v", err)
	}

	state, err := m.GetProcessingState(ctx, "pl-1")
	if err != nil || state.LastProcessedRun != 5 {
		t.Fatalf("expected watermark to stay at 5, got %+v err=%v", state, err)
	}
}

func TestDeleteOldMetricsByCutoff(t *testing.T) {
	ctx := context.Background()
	m := New()

	old := domain.MetricsSample{PipelineID: "pl-1", RunNumber: 1, MetricKind: "run_duration", Timestamp: time.Now().Add(-48 * time.Hour)}
	recent := domain.MetricsSample{PipelineID: "pl-1", RunNumber: 2, MetricKind: "run_duration", Timestamp: time.Now()}
	_, _ = m.InsertSamples(ctx, []domain.MetricsSample{old, recent})

	deleted, err := m.DeleteOldMetrics(ctx, map[string]time.Time{"pl-1": time.Now().Add(-24 * time.Hour)})
	if err != nil || deleted != 1 {
		t.Fatalf("deleted=%d err=%v", deleted, err)
	}

	count, _ := m.CountSamples(ctx, "pl-1")
	if count != 1 {
		t.Fatalf("expected 1 sample remaining, got %d", count)
	}
}

func TestWorkflowParametersPurgeByPipelinePrefix(t *testing.T) {
	ctx := context.Background()
	m := New()

	_ = m.UpsertWorkflowParameters(ctx, domain.WorkflowParameterList{WorkflowID: "pl-1::deploy.yml"})
	_ = m.UpsertWorkflowParameters(ctx, domain.WorkflowParameterList{WorkflowID: "pl-2::deploy.yml"})

	if err := m.PurgeWorkflowParametersByPipelinePrefix(ctx, "pl-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if p, _ := m.GetWorkflowParameters(ctx, "pl-1::deploy.yml"); p != nil {
		t.Fatal("expected pl-1 workflow parameters to be purged")
	}
	if p, _ := m.GetWorkflowParameters(ctx, "pl-2::deploy.yml"); p == nil {
		t.Fatal("expected pl-2 workflow parameters to survive")
	}
}

func TestImportProvidersRemapsIDs(t *testing.T) {
	ctx := context.Background()
	m := New()

	remap, err := m.ImportProviders(ctx, []domain.Provider{
		{ID: 100, Name: "imported-a"},
		{ID: 200, Name: "imported-b"},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(remap) != 2 {
		t.Fatalf("expected 2 remapped ids, got %d", len(remap))
	}

	newID, ok := remap[100]
	if !ok {
		t.Fatal("expected remap entry for old id 100")
	}
	got, err := m.GetProvider(ctx, newID)
	if err != nil || got == nil || got.Name != "imported-a" {
		t.Fatalf("unexpected provider at remapped id: %+v, err=%v", got, err)
	}
}
