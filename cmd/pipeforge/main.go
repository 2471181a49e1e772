package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/kestrelci/pipeforge/internal/config"
	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/metricsengine"
	"github.com/kestrelci/pipeforge/internal/migration"
	"github.com/kestrelci/pipeforge/internal/pipelineservice"
	"github.com/kestrelci/pipeforge/internal/plugin"
	"github.com/kestrelci/pipeforge/internal/providerservice"
	"github.com/kestrelci/pipeforge/internal/scheduler"
	"github.com/kestrelci/pipeforge/internal/store"
	"github.com/kestrelci/pipeforge/internal/vault"
)

var (
	name    = "pipeforge"
	version = "v0.0.0"
)

// migrateFlags collects the `-migrate-*` flag set. Storage migration is a
// one-shot operation, not steady-state config, so it is driven by flags
// parsed once in main rather than by a config.yaml key: nothing else in
// this binary needs a CLI flag library, so the standard library's flag
// package covers it without pulling in a dependency the rest of the
// process has no other use for.
type migrateFlags struct {
	enabled             bool
	backend             string
	dataDir             string
	postgresDSN         string
	vaultPassword       string
	targetVaultPassword string
	tokens              bool
	cache               bool
	dryRun              bool
	cleanTarget         bool
	keepBackups         bool
}

func main() {
	config.Service = name + "/" + version

	var mf migrateFlags
	flag.BoolVar(&mf.enabled, "migrate", false, "run the storage migration orchestrator instead of starting the service")
	flag.StringVar(&mf.backend, "migrate-backend", "", "target storage.backend (sqlite|postgres|memory)")
	flag.StringVar(&mf.dataDir, "migrate-data-dir", "", "target storage.data_dir")
	flag.StringVar(&mf.postgresDSN, "migrate-postgres-dsn", "", "target storage.postgres.connection_string")
	flag.StringVar(&mf.vaultPassword, "migrate-source-vault-password", "", "source vault password, if not already set in storage.vault_password")
	flag.StringVar(&mf.targetVaultPassword, "migrate-target-vault-password", "", "target vault password (required with -migrate-tokens)")
	flag.BoolVar(&mf.tokens, "migrate-tokens", false, "re-key and copy vault secrets to the target")
	flag.BoolVar(&mf.cache, "migrate-cache", false, "copy cached pipelines and runs to the target")
	flag.BoolVar(&mf.dryRun, "migrate-dry-run", false, "plan the migration and stop, without touching either store")
	flag.BoolVar(&mf.cleanTarget, "migrate-clean-target", false, "delete target providers/tokens absent from the source after migrating")
	flag.BoolVar(&mf.keepBackups, "migrate-keep-backups", false, "keep the pre-migration backup directory after a successful run")
	flag.Parse()

	into.Init(func(ctx context.Context) error { return run(ctx, mf) },
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context, mf migrateFlags) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage backend %q: %w", cfg.Storage.Backend, err)
	}
	defer st.Close()

	vaultPassword := cfg.Storage.VaultPassword
	if vaultPassword == "" && mf.enabled {
		vaultPassword = mf.vaultPassword
	}
	v := vault.New(st)
	if err := v.Unlock(ctx, vaultPassword); err != nil {
		return fmt.Errorf("failed to unlock vault: %w", err)
	}

	if mf.enabled {
		return runMigration(ctx, cfg, st, v, mf)
	}

	bus := eventbus.New()
	registry := plugin.New()
	registerPlugins(registry)

	providerSvc := providerservice.New(st, st, v, registry, bus)
	if err := providerSvc.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap providers: %w", err)
	}
	if err := reconcileConfiguredProviders(ctx, providerSvc, st, cfg.Providers); err != nil {
		return fmt.Errorf("failed to reconcile configured providers: %w", err)
	}

	metricsSvc := metricsengine.New(st, st, st, bus)
	pipelineSvc := pipelineservice.New(st, st, registry, bus, metricsSvc)

	sched := scheduler.New(func(ctx context.Context, providerID int64) error {
		return pipelineSvc.FetchPipelines(ctx, &providerID)
	})

	providers, err := st.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list providers for scheduling: %w", err)
	}
	schedules := make([]scheduler.ProviderSchedule, 0, len(providers))
	for _, p := range providers {
		interval := p.RefreshIntervalSeconds
		if interval <= 0 {
			interval = int(cfg.General.EffectiveRefreshInterval())
		}
		schedules = append(schedules, scheduler.ProviderSchedule{ProviderID: p.ID, RefreshIntervalSeconds: interval})
	}
	if err := sched.Start(ctx, schedules); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	slog.Info("pipeforge started", "providers", len(providers), "storage_backend", cfg.Storage.Backend)

	sub, events := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for {
		select {
		case evt := <-events:
			logEvent(ctx, evt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logEvent surfaces every published domain.Event at info level with its
// type as the message, the way the teacher logs hot-reload and lifecycle
// events inline rather than through a dedicated event-sink package.
func logEvent(ctx context.Context, evt domain.Event) {
	logi.Ctx(ctx).Info("event", "type", evt.Type, "payload", evt.Payload)
}

// reconcileConfiguredProviders is the only provider-creation path this
// binary exposes: it is an HTTP-free core (per spec.md's dropped gateway
// surface), so providers declared under the `providers` config key are
// added on startup if no provider of that name already exists in the
// store. Providers already present are left untouched here — Bootstrap
// already gave them a live plugin handle.
func reconcileConfiguredProviders(ctx context.Context, svc *providerservice.Service, cfgStore store.ConfigStore, declared map[string]config.ProviderEntry) error {
	for key, entry := range declared {
		existing, err := cfgStore.GetProviderByName(ctx, entry.Name)
		if err != nil {
			return fmt.Errorf("provider %q: %w", key, err)
		}
		if existing != nil {
			continue
		}

		if _, err := svc.AddProvider(ctx, providerservice.NewProviderRequest{
			Name:                   entry.Name,
			ProviderType:           entry.Type,
			Settings:               entry.Settings,
			Token:                  entry.Token,
			RefreshIntervalSeconds: int(entry.RefreshInterval),
		}); err != nil {
			logi.Ctx(ctx).Error("failed to add configured provider", "key", key, "name", entry.Name, "error", err)
		}
	}
	return nil
}

// registerPlugins is where every compiled-in provider type factory gets
// wired into the registry. Provider plugins are an external collaborator
// concern (spec.md §1): this binary ships none, so the registry starts
// empty and KnownProviderTypes() reports nothing until a real deployment
// blank-imports its plugin packages here.
func registerPlugins(registry *plugin.Registry) {
	_ = registry
}

// runMigration drives a single plan/execute pass of the storage migration
// orchestrator from CLI flags and exits; it never starts the scheduler or
// any live plugin handle, mirroring spec.md §4.8's "operator-invoked, not
// part of steady-state operation".
func runMigration(ctx context.Context, cfg *config.Config, st store.Store, v *vault.Vault, mf migrateFlags) error {
	target := cfg.Storage
	if mf.backend != "" {
		target.Backend = mf.backend
	}
	if mf.dataDir != "" {
		target.DataDir = mf.dataDir
	}
	if mf.postgresDSN != "" {
		target.Postgres = &config.StoragePostgres{ConnectionString: mf.postgresDSN}
	}
	if mf.targetVaultPassword != "" {
		target.VaultPassword = mf.targetVaultPassword
	}

	orch := migration.New(st, v, cfg.Storage, configFilePath(), eventbus.New())

	plan := orch.Plan(target, migration.Options{MigrateTokens: mf.tokens, MigrateCache: mf.cache})
	slog.Info("migration plan", "needs_data_migration", plan.NeedsDataMigration, "steps", plan.Steps)
	if !plan.NeedsDataMigration {
		slog.Info("target storage configuration is unchanged, nothing to migrate")
		return nil
	}

	result := orch.Execute(ctx, plan, migration.Options{
		MigrateTokens:       mf.tokens,
		MigrateCache:        mf.cache,
		TargetVaultPassword: mf.targetVaultPassword,
		DryRun:              mf.dryRun,
		CleanTarget:         mf.cleanTarget,
		KeepBackups:         mf.keepBackups,
	})
	if !result.Success {
		return fmt.Errorf("migration failed after %d step(s): %v", len(result.StepsCompleted), result.Errors)
	}

	slog.Info("migration completed", "duration", result.Duration, "providers_migrated", result.Stats.ProvidersMigrated,
		"tokens_migrated", result.Stats.TokensMigrated, "pipelines_migrated", result.Stats.PipelinesMigrated,
		"runs_migrated", result.Stats.RunsMigrated)
	return nil
}

// configFilePath is the on-disk config file the update_config migration
// step rewrites. chu's own config.Load resolves its source from the
// app name via loader conventions rather than a single fixed path, so
// there is no one literal path to hand the orchestrator; an empty path
// makes stepUpdateConfig a no-op, which is correct for deployments where
// storage settings come entirely from PIPEFORGE_-prefixed environment
// overrides rather than a YAML file.
func configFilePath() string {
	return ""
}
