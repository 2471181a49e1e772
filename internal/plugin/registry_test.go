package plugin

import (
	"context"
	"net/http"
	"testing"

	"github.com/kestrelci/pipeforge/internal/domain"
)

type fakePlugin struct{ providerType string }

func (f *fakePlugin) Metadata() domain.Metadata { return domain.Metadata{ProviderType: f.providerType} }
func (f *fakePlugin) Initialize(ctx context.Context, providerID int64, settings map[string]string, httpClient *http.Client) error {
	return nil
}
func (f *fakePlugin) ValidateCredentials(ctx context.Context) (bool, error) { return true, nil }
func (f *fakePlugin) CheckPermissions(ctx context.Context) (domain.PermissionStatus, error) {
	return domain.PermissionStatus{}, nil
}
func (f *fakePlugin) FetchOrganizations(ctx context.Context) ([]domain.Organization, error) {
	return nil, nil
}
func (f *fakePlugin) FetchAvailablePipelinesFiltered(ctx context.Context, org, search string, page int) (domain.PaginatedResponse, error) {
	return domain.PaginatedResponse{}, nil
}
func (f *fakePlugin) FetchPipelines(ctx context.Context) ([]domain.Pipeline, error) { return nil, nil }
func (f *fakePlugin) FetchRunHistory(ctx context.Context, pipelineID string, limit int) ([]domain.PipelineRun, error) {
	return nil, nil
}
func (f *fakePlugin) FetchRunDetails(ctx context.Context, pipelineID string, runNumber int64) (domain.PipelineRun, error) {
	return domain.PipelineRun{}, nil
}
func (f *fakePlugin) FetchWorkflowParameters(ctx context.Context, workflowID string) ([]domain.WorkflowParameter, error) {
	return nil, nil
}
func (f *fakePlugin) TriggerPipeline(ctx context.Context, params map[string]any) (string, error) {
	return "run-1", nil
}
func (f *fakePlugin) CancelRun(ctx context.Context, pipelineID string, runNumber int64) error {
	return nil
}
func (f *fakePlugin) GetFieldOptions(ctx context.Context, field string, settings map[string]string) ([]string, error) {
	return nil, nil
}

func TestNewPluginUnknownProviderType(t *testing.T) {
	r := New()
	_, err := r.NewPlugin("github")
	if !domain.IsKind(err, domain.KindInvalidProviderType) {
		t.Fatalf("expected KindInvalidProviderType, got %v", err)
	}
}

func TestNewPluginUsesRegisteredFactory(t *testing.T) {
	r := New()
	r.RegisterFactory("github", func() (Plugin, error) { return &fakePlugin{providerType: "github"}, nil })

	p, err := r.NewPlugin("github")
	if err != nil {
		t.Fatalf("NewPlugin: %v", err)
	}
	if p.Metadata().ProviderType != "github" {
		t.Fatalf("got provider type %q", p.Metadata().ProviderType)
	}
}

func TestPutGetRemove(t *testing.T) {
	r := New()
	p := &fakePlugin{providerType: "github"}

	if err := r.Put(1, 0, 1, p); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := r.Get(1)
	if !ok || got != Plugin(p) {
		t.Fatalf("Get returned (%v, %v), want (%v, true)", got, ok, p)
	}

	r.Remove(1)
	if _, ok := r.Get(1); ok {
		t.Fatal("expected handle removed")
	}
}

func TestPutRejectsStaleExpectedVersion(t *testing.T) {
	r := New()
	p1 := &fakePlugin{providerType: "github"}
	p2 := &fakePlugin{providerType: "github"}

	if err := r.Put(1, 0, 1, p1); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	// A second writer still believes the version is 0 (stale): it should
	// lose to the writer that already advanced it to 1.
	err := r.Put(1, 0, 2, p2)
	if !domain.IsKind(err, domain.KindConcurrentModification) {
		t.Fatalf("expected KindConcurrentModification, got %v", err)
	}

	got, _ := r.Get(1)
	if got != Plugin(p1) {
		t.Fatal("losing writer must not have overwritten the handle")
	}
}

func TestPutAllowsMatchingExpectedVersion(t *testing.T) {
	r := New()
	p1 := &fakePlugin{providerType: "github"}
	p2 := &fakePlugin{providerType: "github"}

	if err := r.Put(1, 0, 1, p1); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := r.Put(1, 1, 2, p2); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, _ := r.Get(1)
	if got != Plugin(p2) {
		t.Fatal("winning writer's handle should be stored")
	}
}

func TestKnownProviderTypes(t *testing.T) {
	r := New()
	r.RegisterFactory("github", func() (Plugin, error) { return &fakePlugin{}, nil })
	r.RegisterFactory("gitlab", func() (Plugin, error) { return &fakePlugin{}, nil })

	types := r.KnownProviderTypes()
	if len(types) != 2 {
		t.Fatalf("got %d provider types, want 2", len(types))
	}
}
