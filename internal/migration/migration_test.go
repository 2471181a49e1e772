package migration

import (
	"context"
	"strings"
	"testing"

	"github.com/kestrelci/pipeforge/internal/config"
	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/store"
	"github.com/kestrelci/pipeforge/internal/store/memory"
	"github.com/kestrelci/pipeforge/internal/vault"
)

func newTestOrchestrator(t *testing.T, sourceCfg config.Storage, target store.Store) (*Orchestrator, *memory.Memory, *vault.Vault) {
	t.Helper()
	src := memory.New()
	v := vault.New(src)
	if err := v.Unlock(context.Background(), "source-password"); err != nil {
		t.Fatalf("unlock source vault: %v", err)
	}

	orch := New(src, v, sourceCfg, "", eventbus.New())
	orch.WithTargetOpener(func(ctx context.Context, cfg config.Storage) (store.Store, error) {
		return target, nil
	})
	return orch, src, v
}

func TestPlanNoChangesProducesValidateOnlyStep(t *testing.T) {
	cfg := config.Storage{Backend: "memory", DataDir: t.TempDir()}
	orch, _, _ := newTestOrchestrator(t, cfg, memory.New())

	plan := orch.Plan(cfg, Options{})
	if plan.NeedsDataMigration {
		t.Fatalf("expected no migration needed for an unchanged target, got %+v", plan)
	}
	if len(plan.Steps) != 1 || plan.Steps[0] != StepValidateTarget {
		t.Fatalf("expected steps=[validate_target], got %v", plan.Steps)
	}
}

func TestPlanBackendChangeProducesFullSteps(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	orch, _, _ := newTestOrchestrator(t, from, memory.New())

	plan := orch.Plan(to, Options{MigrateTokens: true, MigrateCache: true})
	if !plan.BackendChanged || !plan.NeedsDataMigration {
		t.Fatalf("expected backend_changed, got %+v", plan)
	}
	want := []Step{StepValidateTarget, StepMigrateConfigs, StepMigrateTokens, StepMigrateCache, StepVerifyMigration, StepUpdateConfig}
	if len(plan.Steps) != len(want) {
		t.Fatalf("got steps %v, want %v", plan.Steps, want)
	}
	for i, s := range want {
		if plan.Steps[i] != s {
			t.Fatalf("step %d: got %q, want %q", i, plan.Steps[i], s)
		}
	}
}

func TestExecuteDryRunStopsAfterPlanning(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	target := memory.New()
	orch, src, _ := newTestOrchestrator(t, from, target)

	if _, err := src.CreateProvider(context.Background(), domain.Provider{Name: "org-a", ProviderType: "github"}); err != nil {
		t.Fatalf("seed source provider: %v", err)
	}

	plan := orch.Plan(to, Options{MigrateTokens: true})
	result := orch.Execute(context.Background(), plan, Options{MigrateTokens: true, DryRun: true})
	if !result.Success {
		t.Fatalf("expected dry run to succeed, got %+v", result)
	}
	if len(result.StepsCompleted) != 0 {
		t.Fatalf("dry run must not execute any step, got %v", result.StepsCompleted)
	}

	targetProviders, _ := target.ListProviders(context.Background())
	if len(targetProviders) != 0 {
		t.Fatalf("dry run must not touch the target, got %d providers", len(targetProviders))
	}
}

func TestExecuteMigratesProvidersAndTokens(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	target := memory.New()
	orch, src, v := newTestOrchestrator(t, from, target)

	created, err := src.CreateProvider(context.Background(), domain.Provider{Name: "org-a", ProviderType: "github"})
	if err != nil {
		t.Fatalf("seed source provider: %v", err)
	}
	if err := v.Put(context.Background(), created.ID, "super-secret-token"); err != nil {
		t.Fatalf("seed source token: %v", err)
	}

	plan := orch.Plan(to, Options{MigrateTokens: true})
	result := orch.Execute(context.Background(), plan, Options{MigrateTokens: true, TargetVaultPassword: "target-password"})
	if !result.Success {
		t.Fatalf("expected migration to succeed, got errors: %v", result.Errors)
	}
	if result.Stats.ProvidersMigrated != 1 || result.Stats.TokensMigrated != 1 {
		t.Fatalf("unexpected stats: %+v", result.Stats)
	}

	targetProviders, _ := target.ListProviders(context.Background())
	if len(targetProviders) != 1 || targetProviders[0].Name != "org-a" {
		t.Fatalf("expected provider migrated to target, got %+v", targetProviders)
	}

	newID := targetProviders[0].ID
	targetVault := vault.New(target)
	if err := targetVault.Unlock(context.Background(), "target-password"); err != nil {
		t.Fatalf("unlock target vault: %v", err)
	}
	secret, err := targetVault.Get(context.Background(), newID)
	if err != nil || secret != "super-secret-token" {
		t.Fatalf("expected token to follow its provider's new id, got %q err %v", secret, err)
	}
}

func TestExecuteAbortsWhenTargetStoreCannotOpen(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	orch, src, _ := newTestOrchestrator(t, from, nil)
	orch.WithTargetOpener(func(ctx context.Context, cfg config.Storage) (store.Store, error) {
		return nil, domain.NewError(domain.KindNetwork, "target unreachable", nil)
	})

	if _, err := src.CreateProvider(context.Background(), domain.Provider{Name: "org-a", ProviderType: "github"}); err != nil {
		t.Fatalf("seed source provider: %v", err)
	}

	plan := orch.Plan(to, Options{})
	result := orch.Execute(context.Background(), plan, Options{})
	if result.Success {
		t.Fatal("expected failure when target store cannot be opened")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected at least one error recorded")
	}
}

func TestExecuteFailsWithDataConsistencyWhenTokenHasNoRemap(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	target := memory.New()
	orch, src, v := newTestOrchestrator(t, from, target)

	created, err := src.CreateProvider(context.Background(), domain.Provider{Name: "org-a", ProviderType: "github"})
	if err != nil {
		t.Fatalf("seed source provider: %v", err)
	}
	if err := v.Put(context.Background(), created.ID, "token-a"); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	// Seed a vault secret for a provider id that stepMigrateConfigs cannot
	// possibly remap (it was never exported as a provider row), forcing
	// the "no mapping" DataConsistency failure.
	if err := v.Put(context.Background(), created.ID+999, "orphaned-token"); err != nil {
		t.Fatalf("seed orphan token: %v", err)
	}

	plan := orch.Plan(to, Options{MigrateTokens: true})
	result := orch.Execute(context.Background(), plan, Options{MigrateTokens: true, TargetVaultPassword: "target-password"})
	if result.Success {
		t.Fatal("expected failure: orphaned vault secret has no provider remap")
	}
	found := false
	for _, e := range result.Errors {
		if strings.Contains(e, string(domain.KindDataConsistency)) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a %s error, got %v", domain.KindDataConsistency, result.Errors)
	}
}

func TestExecuteMigratesCache(t *testing.T) {
	from := config.Storage{Backend: "sqlite", DataDir: t.TempDir()}
	to := config.Storage{Backend: "postgres", DataDir: from.DataDir}
	target := memory.New()
	orch, src, _ := newTestOrchestrator(t, from, target)

	created, err := src.CreateProvider(context.Background(), domain.Provider{Name: "org-a", ProviderType: "github"})
	if err != nil {
		t.Fatalf("seed source provider: %v", err)
	}
	if _, _, _, err := src.UpdatePipelinesCache(context.Background(), created.ID, []domain.Pipeline{
		{ID: "p1", ProviderID: created.ID, Name: "repo-a"},
	}); err != nil {
		t.Fatalf("seed pipeline: %v", err)
	}
	if err := src.MergeRunCache(context.Background(), "p1", []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 1, Status: "success"},
	}, nil, nil); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	plan := orch.Plan(to, Options{MigrateCache: true})
	result := orch.Execute(context.Background(), plan, Options{MigrateCache: true})
	if !result.Success {
		t.Fatalf("expected success, got errors: %v", result.Errors)
	}
	if result.Stats.PipelinesMigrated != 1 || result.Stats.RunsMigrated != 1 {
		t.Fatalf("unexpected cache stats: %+v", result.Stats)
	}

	targetRuns, err := target.GetCachedRunsWithHashes(context.Background(), "p1")
	if err != nil || len(targetRuns) != 1 {
		t.Fatalf("expected 1 migrated run in target, got %d err %v", len(targetRuns), err)
	}
}
