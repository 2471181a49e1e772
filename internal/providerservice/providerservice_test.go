package providerservice

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/plugin"
	"github.com/kestrelci/pipeforge/internal/store/memory"
	"github.com/kestrelci/pipeforge/internal/vault"
)

type fakePlugin struct {
	providerType string
	initErr      error
	credsOK      bool
	credsErr     error
	params       []domain.WorkflowParameter
}

func (f *fakePlugin) Metadata() domain.Metadata { return domain.Metadata{ProviderType: f.providerType} }
func (f *fakePlugin) Initialize(ctx context.Context, providerID int64, settings map[string]string, httpClient *http.Client) error {
	return f.initErr
}
func (f *fakePlugin) ValidateCredentials(ctx context.Context) (bool, error) {
	return f.credsOK, f.credsErr
}
func (f *fakePlugin) CheckPermissions(ctx context.Context) (domain.PermissionStatus, error) {
	return domain.PermissionStatus{Permissions: map[string]bool{"trigger": true}}, nil
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
	return f.params, nil
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

func newTestService(t *testing.T, p *fakePlugin) (*Service, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	v := vault.New(mem)
	if err := v.Unlock(context.Background(), "test-password"); err != nil {
		t.Fatalf("unlock vault: %v", err)
	}
	reg := plugin.New()
	reg.RegisterFactory("github", func() (plugin.Plugin, error) { return p, nil })
	bus := eventbus.New()
	return New(mem, mem, v, reg, bus), mem
}

func TestAddProviderSuccess(t *testing.T) {
	p := &fakePlugin{providerType: "github", credsOK: true}
	svc, mem := newTestService(t, p)

	created, err := svc.AddProvider(context.Background(), NewProviderRequest{
		Name: "my-org", ProviderType: "github", Token: "literal-token",
	})
	if err != nil {
		t.Fatalf("AddProvider: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected a persisted provider ID")
	}

	stored, err := mem.GetProvider(context.Background(), created.ID)
	if err != nil || stored == nil {
		t.Fatalf("provider not persisted: %v", err)
	}

	if _, ok := svc.registry.Get(created.ID); !ok {
		t.Fatal("expected a live plugin handle after AddProvider")
	}
}

func TestAddProviderRollsBackOnCredentialFailure(t *testing.T) {
	p := &fakePlugin{providerType: "github", credsOK: false}
	svc, mem := newTestService(t, p)

	_, err := svc.AddProvider(context.Background(), NewProviderRequest{
		Name: "my-org", ProviderType: "github", Token: "t",
	})
	if !domain.IsKind(err, domain.KindAuthenticationFailed) {
		t.Fatalf("expected KindAuthenticationFailed, got %v", err)
	}

	providers, _ := mem.ListProviders(context.Background())
	if len(providers) != 0 {
		t.Fatal("expected provider to be rolled back")
	}
}

func TestAddProviderRollsBackOnInitFailure(t *testing.T) {
	p := &fakePlugin{providerType: "github", initErr: context.DeadlineExceeded}
	svc, mem := newTestService(t, p)

	_, err := svc.AddProvider(context.Background(), NewProviderRequest{
		Name: "my-org", ProviderType: "github",
	})
	if !domain.IsKind(err, domain.KindInvalidConfig) {
		t.Fatalf("expected KindInvalidConfig, got %v", err)
	}
	providers, _ := mem.ListProviders(context.Background())
	if len(providers) != 0 {
		t.Fatal("expected provider to be rolled back")
	}
}

func TestRemoveProviderCascades(t *testing.T) {
	p := &fakePlugin{providerType: "github", credsOK: true}
	svc, mem := newTestService(t, p)

	created, err := svc.AddProvider(context.Background(), NewProviderRequest{Name: "org", ProviderType: "github", Token: "tok"})
	if err != nil {
		t.Fatalf("AddProvider: %v", err)
	}

	if _, _, _, err := mem.UpdatePipelinesCache(context.Background(), created.ID, []domain.Pipeline{
		{ID: "github__" + "1" + "__repo", ProviderID: created.ID, Name: "repo"},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}

	if err := svc.RemoveProvider(context.Background(), created.ID); err != nil {
		t.Fatalf("RemoveProvider: %v", err)
	}

	if _, ok := svc.registry.Get(created.ID); ok {
		t.Fatal("expected handle evicted")
	}
	pipelines, _ := mem.ListPipelinesByProvider(context.Background(), created.ID)
	if len(pipelines) != 0 {
		t.Fatal("expected pipelines cache cleared")
	}
}

func TestGetWorkflowParametersFetchesAndCaches(t *testing.T) {
	want := []domain.WorkflowParameter{{Name: "env", Type: "string"}}
	p := &fakePlugin{providerType: "github", credsOK: true, params: want}
	svc, _ := newTestService(t, p)

	created, err := svc.AddProvider(context.Background(), NewProviderRequest{Name: "org", ProviderType: "github", Token: "tok"})
	if err != nil {
		t.Fatalf("AddProvider: %v", err)
	}

	got, err := svc.GetWorkflowParameters(context.Background(), created.ID, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflowParameters: %v", err)
	}
	if len(got) != 1 || got[0].Name != "env" {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	// Second call should be served from cache without needing the plugin.
	got2, err := svc.GetWorkflowParameters(context.Background(), created.ID, "wf-1")
	if err != nil || len(got2) != 1 {
		t.Fatalf("cached GetWorkflowParameters: got %+v, err %v", got2, err)
	}
}

func TestResolveTokenLiteral(t *testing.T) {
	if got := ResolveToken("plain-token"); got != "plain-token" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveTokenEnvVar(t *testing.T) {
	os.Setenv("PIPEFORGE_TEST_TOKEN", "secret-value")
	defer os.Unsetenv("PIPEFORGE_TEST_TOKEN")

	if got := ResolveToken("${PIPEFORGE_TEST_TOKEN}"); got != "secret-value" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveTokenEnvVarWithDefault(t *testing.T) {
	os.Unsetenv("PIPEFORGE_TEST_TOKEN_MISSING")
	if got := ResolveToken("${PIPEFORGE_TEST_TOKEN_MISSING:-fallback}"); got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveTokenMissingEnvVarNoDefault(t *testing.T) {
	os.Unsetenv("PIPEFORGE_TEST_TOKEN_MISSING")
	if got := ResolveToken("${PIPEFORGE_TEST_TOKEN_MISSING}"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
