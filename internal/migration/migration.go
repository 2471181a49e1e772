// Package migration is the storage migration orchestrator (C12): plan a
// move from one storage configuration to another, execute it as a
// sequence of steps with a pre-step backup and rollback-on-failure, and
// verify the result before committing the new configuration.
//
// Grounded on
// original_source/crates/pipedash-core/src/infrastructure/migration.rs's
// MigrationOrchestrator: the plan/execute/verify shape, the step
// ordering, and the backup-then-restore-on-failure control flow are kept
// as-is, reworked from Rust's Arc<dyn TokenStore>/ConfigBackend/
// StorageBackend trait objects into this module's own
// store.ConfigStore/CacheStore/vault.Vault interfaces. File backup/
// restore follows the teacher's plain os/io-based file handling (the
// teacher has no equivalent step, so there is no teacher file to adapt
// here beyond its general stdlib-first approach to local file I/O).
package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rakunlabs/logi"
	"gopkg.in/yaml.v3"

	"github.com/kestrelci/pipeforge/internal/config"
	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/store"
	"github.com/kestrelci/pipeforge/internal/store/sqlite"
	"github.com/kestrelci/pipeforge/internal/vault"
)

// Step is one unit of a migration plan, in the fixed order spec.md §4.8
// lists them.
type Step string

const (
	StepValidateTarget  Step = "validate_target"
	StepMigrateConfigs  Step = "migrate_configs"
	StepMigrateTokens   Step = "migrate_tokens"
	StepMigrateCache    Step = "migrate_cache"
	StepVerifyMigration Step = "verify_migration"
	StepUpdateConfig    Step = "update_config"
)

func (s Step) description() string {
	switch s {
	case StepValidateTarget:
		return "Validating target configuration"
	case StepMigrateConfigs:
		return "Migrating provider configurations"
	case StepMigrateTokens:
		return "Migrating tokens"
	case StepMigrateCache:
		return "Migrating cached data"
	case StepVerifyMigration:
		return "Verifying migration"
	case StepUpdateConfig:
		return "Updating storage configuration"
	default:
		return string(s)
	}
}

// Options mirrors MigrationOptions: what the caller opted into, not what
// the plan derives on its own.
type Options struct {
	MigrateTokens       bool
	MigrateCache        bool
	TargetVaultPassword string
	DryRun              bool
	CleanTarget         bool
	KeepBackups         bool
}

// Plan is the computed `{from, to, steps, flags}` (spec.md §4.8).
type Plan struct {
	From  config.Storage
	To    config.Storage
	Steps []Step

	BackendChanged       bool
	DataDirChanged       bool
	TokenBackendChanging bool
	NeedsDataMigration   bool
	MigrateTokens        bool
	MigrateConfigs       bool
	MigrateCache         bool
	CreatedAt            time.Time
}

// Stats tallies what a completed (or partially completed) migration moved.
type Stats struct {
	ProvidersMigrated   int
	TokensMigrated      int
	PipelinesMigrated   int
	RunsMigrated        int
	PermissionsMigrated int
	ProvidersCleaned    int
	TokensCleaned       int
}

// Result is the outcome of Execute.
type Result struct {
	Success           bool
	StepsCompleted    []Step
	Errors            []string
	Duration          time.Duration
	Stats             Stats
	ProviderIDMapping map[int64]int64
	BackupDir         string
}

// Orchestrator holds the live source handles (already-open store and
// vault) plus a factory for opening a target store, so tests can supply
// an in-memory target without touching disk.
type Orchestrator struct {
	sourceStore store.Store
	sourceVault *vault.Vault
	sourceCfg   config.Storage
	configPath  string
	bus         *eventbus.Bus

	// openTarget opens the target store for the duration of one
	// migration; overridable in tests. Defaults to store.New.
	openTarget func(ctx context.Context, cfg config.Storage) (store.Store, error)
}

// New builds an orchestrator around the already-open source store and
// vault, and the config file path that UpdateConfig will rewrite on
// success.
func New(sourceStore store.Store, sourceVault *vault.Vault, sourceCfg config.Storage, configPath string, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		sourceStore: sourceStore,
		sourceVault: sourceVault,
		sourceCfg:   sourceCfg,
		configPath:  configPath,
		bus:         bus,
		openTarget:  func(ctx context.Context, cfg config.Storage) (store.Store, error) { return store.New(ctx, cfg) },
	}
}

// WithTargetOpener overrides how the target store is constructed,
// exposed for tests that want an in-memory target without a real
// backend.
func (o *Orchestrator) WithTargetOpener(fn func(ctx context.Context, cfg config.Storage) (store.Store, error)) *Orchestrator {
	o.openTarget = fn
	return o
}

// Plan computes the migration plan for moving to target, per spec.md
// §4.8: backend_changed, data_dir_changed, token_backend_changing, and
// the steps list that follows from whether any of those are set.
//
// token_backend_changing in the original distinguishes an OS keyring
// source from a password-derived-encryption target; this engine's vault
// (§C1) is always password-derived, so there is no keyring backend to
// detect. The closest faithful signal available here is "the source had
// no vault password configured (relying on an environment-supplied
// default) and the target now has one set explicitly" — kept as a named
// flag rather than dropped, since a config with an unset source password
// and a newly-set target one is exactly the scenario the original flag
// exists to catch.
func (o *Orchestrator) Plan(target config.Storage, opts Options) Plan {
	backendChanged := o.sourceCfg.Backend != target.Backend
	dataDirChanged := o.sourceCfg.DataDir != target.DataDir
	tokenBackendChanging := o.sourceCfg.VaultPassword == "" && target.VaultPassword != ""

	needsDataMigration := backendChanged || dataDirChanged || tokenBackendChanging

	plan := Plan{
		From:                 o.sourceCfg,
		To:                   target,
		BackendChanged:       backendChanged,
		DataDirChanged:       dataDirChanged,
		TokenBackendChanging: tokenBackendChanging,
		NeedsDataMigration:   needsDataMigration,
		MigrateConfigs:       needsDataMigration,
		MigrateTokens:        needsDataMigration && opts.MigrateTokens,
		MigrateCache:         needsDataMigration && opts.MigrateCache,
		CreatedAt:            time.Now().UTC(),
	}

	// ValidateTarget is always planned, even with an identical from/to:
	// the target is worth confirming reachable regardless of whether any
	// data actually needs to move.
	steps := []Step{StepValidateTarget}
	if !needsDataMigration {
		plan.Steps = steps
		return plan
	}

	steps = append(steps, StepMigrateConfigs)
	if plan.MigrateTokens {
		steps = append(steps, StepMigrateTokens)
	}
	if plan.MigrateCache {
		steps = append(steps, StepMigrateCache)
	}
	steps = append(steps, StepVerifyMigration, StepUpdateConfig)
	plan.Steps = steps
	return plan
}

// Execute runs plan to completion, or rolls back to the pre-migration
// backup on the first failing step. DryRun stops right after planning,
// per spec.md §4.8 "Dry run. Stop after planning."
func (o *Orchestrator) Execute(ctx context.Context, plan Plan, opts Options) Result {
	start := time.Now()
	result := Result{ProviderIDMapping: map[int64]int64{}}

	if opts.DryRun {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	if len(plan.Steps) == 0 {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	backup, err := newBackupManager(o.sourceCfg.DataDir).createBackup(o.configPath, o.sourceCfg)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("create backup: %v (migration aborted, no modifications were made)", err))
		result.Duration = time.Since(start)
		return result
	}
	result.BackupDir = backup.dir

	targetStore, err := o.openTarget(ctx, plan.To)
	if err != nil {
		backup.cleanup(false)
		result.Errors = append(result.Errors, fmt.Sprintf("open target store: %v (migration aborted before any changes)", err))
		result.Duration = time.Since(start)
		return result
	}

	for i, step := range plan.Steps {
		o.emitProgress(ctx, step, i, len(plan.Steps), false)

		if err := o.executeStep(ctx, step, plan, opts, targetStore, &result); err != nil {
			logi.Ctx(ctx).Error("migration step failed, restoring from backup", "step", step, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("step %q: %v", step, err))

			if restoreErr := backup.restore(o.configPath, o.sourceCfg); restoreErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("CRITICAL: backup restore also failed: %v; manual recovery required from %s", restoreErr, backup.dir))
			} else {
				logi.Ctx(ctx).Info("source restored from backup after failed migration", "backup_dir", backup.dir)
			}

			o.emitProgress(ctx, step, i, len(plan.Steps), true)
			result.Duration = time.Since(start)
			return result
		}

		result.StepsCompleted = append(result.StepsCompleted, step)
	}

	result.Success = true
	result.Duration = time.Since(start)

	if !opts.KeepBackups {
		if err := backup.cleanup(true); err != nil {
			logi.Ctx(ctx).Warn("failed to clean up migration backup", "error", err)
		}
	}

	return result
}

func (o *Orchestrator) emitProgress(ctx context.Context, step Step, idx, total int, failed bool) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(domain.Event{
		Type:      domain.EventMigrationProgress,
		Timestamp: time.Now().UTC(),
		Payload: domain.MigrationProgressPayload{
			Step:    string(step),
			Message: fmt.Sprintf("(%d/%d) %s", idx+1, total, step.description()),
			Done:    idx == total-1 && !failed,
			Failed:  failed,
		},
	})
}

func (o *Orchestrator) executeStep(ctx context.Context, step Step, plan Plan, opts Options, target store.Store, result *Result) error {
	switch step {
	case StepValidateTarget:
		return o.stepValidateTarget(ctx, target)
	case StepMigrateConfigs:
		return o.stepMigrateConfigs(ctx, opts, target, result)
	case StepMigrateTokens:
		return o.stepMigrateTokens(ctx, opts, target, result)
	case StepMigrateCache:
		return o.stepMigrateCache(ctx, target, result)
	case StepVerifyMigration:
		return o.stepVerifyMigration(ctx, plan, opts, target, result)
	case StepUpdateConfig:
		return o.stepUpdateConfig(plan)
	default:
		return domain.NewError(domain.KindInternal, fmt.Sprintf("unknown migration step %q", step), nil)
	}
}

func (o *Orchestrator) stepValidateTarget(ctx context.Context, target store.Store) error {
	if _, err := target.ListProviders(ctx); err != nil {
		return domain.NewError(domain.KindNetwork, "target store not reachable", err)
	}
	return nil
}

// stepMigrateConfigs exports every provider from the source and imports
// it into the target (store.ConfigStore.ExportProviders/ImportProviders,
// §4.1/§4.8), then builds the old-id→new-id remap by matching name — the
// remap ImportProviders itself returns is already exactly that mapping.
func (o *Orchestrator) stepMigrateConfigs(ctx context.Context, opts Options, target store.Store, result *Result) error {
	exported, err := o.sourceStore.ExportProviders(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "export source providers", err)
	}
	result.Stats.ProvidersMigrated = len(exported)

	remap, err := target.ImportProviders(ctx, exported)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "import providers into target", err)
	}
	for oldID, newID := range remap {
		result.ProviderIDMapping[oldID] = newID
	}

	for _, p := range exported {
		if perms, err := o.sourceStore.GetPermissions(ctx, p.ID); err == nil && perms != nil {
			newID := result.ProviderIDMapping[p.ID]
			if newID == 0 {
				newID = p.ID
			}
			if err := target.PutPermissions(ctx, newID, *perms); err != nil {
				return domain.NewError(domain.KindDatabaseError, "migrate permissions", err)
			}
			result.Stats.PermissionsMigrated++
		}
	}

	if opts.CleanTarget {
		targetProviders, err := target.ListProviders(ctx)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list target providers for cleanup", err)
		}
		sourceNames := make(map[string]struct{}, len(exported))
		for _, p := range exported {
			sourceNames[p.Name] = struct{}{}
		}
		for _, tp := range targetProviders {
			if _, ok := sourceNames[tp.Name]; ok {
				continue
			}
			if err := target.DeleteProvider(ctx, tp.ID); err != nil {
				return domain.NewError(domain.KindDatabaseError, "delete orphaned target provider", err)
			}
			_ = target.DeleteRecord(ctx, tp.ID)
			result.Stats.ProvidersCleaned++
			result.Stats.TokensCleaned++
		}
	}
	return nil
}

// stepMigrateTokens migrates the vault into the target store's own
// secret table. The target vault is opened over target (which satisfies
// vault.RecordStore through store.ConfigStore) and unlocked with
// opts.TargetVaultPassword — required whenever tokens are migrated.
//
// With a non-empty provider-ID remap (the common path, built by
// stepMigrateConfigs), each source secret is decrypted and re-Put under
// its new id directly — failing with DataConsistency if any source id
// has no mapping (spec.md §4.8 step 5: "never silently drop a token").
// With an empty remap (configs weren't migrated, or ids didn't change),
// the orchestrator falls back to portable blob transfer via
// vault.Export/vault.Import, using the same target password as the
// transit blob's own encryption secret.
func (o *Orchestrator) stepMigrateTokens(ctx context.Context, opts Options, target store.Store, result *Result) error {
	if opts.TargetVaultPassword == "" {
		return domain.NewError(domain.KindInvalidConfig, "target vault password required to migrate tokens", nil)
	}
	targetVault := vault.New(target)
	if err := targetVault.Unlock(ctx, opts.TargetVaultPassword); err != nil {
		return domain.NewError(domain.KindAuthenticationFailed, "unlock target vault", err)
	}

	if len(result.ProviderIDMapping) > 0 {
		secrets, err := o.sourceVault.List(ctx)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list source vault secrets", err)
		}
		for oldID, secret := range secrets {
			newID, ok := result.ProviderIDMapping[oldID]
			if !ok {
				return domain.NewError(domain.KindDataConsistency,
					fmt.Sprintf("provider id %d has a vault secret but no entry in the migration remap; refusing to drop it silently", oldID), nil)
			}
			if err := targetVault.Put(ctx, newID, secret); err != nil {
				return domain.NewError(domain.KindDatabaseError, "write vault secret under new provider id", err)
			}
		}
		result.Stats.TokensMigrated = len(secrets)
		return nil
	}

	blob, err := o.sourceVault.Export(ctx, opts.TargetVaultPassword)
	if err != nil {
		return domain.NewError(domain.KindInternal, "export source vault", err)
	}
	if err := targetVault.Import(ctx, blob, opts.TargetVaultPassword); err != nil {
		return domain.NewError(domain.KindInternal, "import vault blob into target", err)
	}
	secrets, _ := o.sourceVault.List(ctx)
	result.Stats.TokensMigrated = len(secrets)
	return nil
}

// stepMigrateCache copies cached pipelines and run history from source
// to target via store.CacheStore's own read/write methods. Unlike the
// original's generic blob-store list()/get()/put(), this engine's cache
// is relational, so there is no bulk export call to reuse — the
// orchestrator walks ListPipelinesByProvider/GetCachedRunsWithHashes and
// replays them through UpdatePipelinesCache/MergeRunCache, the same
// entry points C7 itself uses.
func (o *Orchestrator) stepMigrateCache(ctx context.Context, target store.Store, result *Result) error {
	providers, err := o.sourceStore.ExportProviders(ctx)
	if err != nil {
		return domain.NewError(domain.KindDatabaseError, "list source providers for cache migration", err)
	}

	for _, p := range providers {
		newProviderID := p.ID
		if mapped, ok := result.ProviderIDMapping[p.ID]; ok {
			newProviderID = mapped
		}

		pipelines, err := o.sourceStore.ListPipelinesByProvider(ctx, p.ID)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list source pipelines", err)
		}
		if len(pipelines) == 0 {
			continue
		}
		for i := range pipelines {
			pipelines[i].ProviderID = newProviderID
		}
		if _, _, _, err := target.UpdatePipelinesCache(ctx, newProviderID, pipelines); err != nil {
			return domain.NewError(domain.KindDatabaseError, "write target pipelines", err)
		}
		result.Stats.PipelinesMigrated += len(pipelines)

		for _, pl := range pipelines {
			cached, err := o.sourceStore.GetCachedRunsWithHashes(ctx, pl.ID)
			if err != nil {
				return domain.NewError(domain.KindDatabaseError, "list source runs", err)
			}
			if len(cached) == 0 {
				continue
			}
			runs := make([]domain.PipelineRun, 0, len(cached))
			for _, c := range cached {
				runs = append(runs, c.Run)
			}
			if err := target.MergeRunCache(ctx, pl.ID, runs, nil, nil); err != nil {
				return domain.NewError(domain.KindDatabaseError, "write target runs", err)
			}
			result.Stats.RunsMigrated += len(runs)
		}
	}
	return nil
}

// stepVerifyMigration asserts presence (and, with CleanTarget, exact
// count equality) for providers, and source_count ≤ target_count (or
// equality with CleanTarget) for tokens — spec.md §4.8 step 6.
func (o *Orchestrator) stepVerifyMigration(ctx context.Context, plan Plan, opts Options, target store.Store, result *Result) error {
	if plan.MigrateConfigs {
		sourceProviders, err := o.sourceStore.ExportProviders(ctx)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list source providers for verification", err)
		}
		if len(sourceProviders) > 0 {
			targetProviders, err := target.ListProviders(ctx)
			if err != nil {
				return domain.NewError(domain.KindDatabaseError, "list target providers for verification", err)
			}
			byName := make(map[string]struct{}, len(targetProviders))
			for _, p := range targetProviders {
				byName[p.Name] = struct{}{}
			}
			for _, p := range sourceProviders {
				if _, ok := byName[p.Name]; !ok {
					return domain.NewError(domain.KindDataConsistency, fmt.Sprintf("provider %q missing from target after migration", p.Name), nil)
				}
			}
			if opts.CleanTarget && len(sourceProviders) != len(targetProviders) {
				return domain.NewError(domain.KindDataConsistency,
					fmt.Sprintf("provider count mismatch after cleanup: source=%d target=%d", len(sourceProviders), len(targetProviders)), nil)
			}
		}
	}

	if plan.MigrateTokens {
		sourceSecrets, err := o.sourceVault.List(ctx)
		if err != nil {
			return domain.NewError(domain.KindDatabaseError, "list source vault for verification", err)
		}
		if len(sourceSecrets) > 0 {
			if result.Stats.TokensMigrated < len(sourceSecrets) {
				return domain.NewError(domain.KindDataConsistency,
					fmt.Sprintf("token count too low after migration: source=%d migrated=%d", len(sourceSecrets), result.Stats.TokensMigrated), nil)
			}
			if opts.CleanTarget && result.Stats.TokensMigrated != len(sourceSecrets) {
				return domain.NewError(domain.KindDataConsistency,
					fmt.Sprintf("token count mismatch after cleanup: source=%d target=%d", len(sourceSecrets), result.Stats.TokensMigrated), nil)
			}
		}
	}
	return nil
}

// stepUpdateConfig rewrites the active config file with plan.To — the
// only place this module writes YAML, since config.Load (via chu) only
// reads.
func (o *Orchestrator) stepUpdateConfig(plan Plan) error {
	if o.configPath == "" {
		return nil
	}
	raw, err := os.ReadFile(o.configPath)
	var doc map[string]any
	if err == nil {
		if unmarshalErr := yaml.Unmarshal(raw, &doc); unmarshalErr != nil {
			doc = map[string]any{}
		}
	} else {
		doc = map[string]any{}
	}

	storageDoc, _ := doc["storage"].(map[string]any)
	if storageDoc == nil {
		storageDoc = map[string]any{}
	}
	storageDoc["backend"] = plan.To.Backend
	storageDoc["data_dir"] = plan.To.DataDir
	if plan.To.Postgres != nil {
		storageDoc["postgres"] = map[string]any{"connection_string": plan.To.Postgres.ConnectionString}
	}
	doc["storage"] = storageDoc

	out, err := yaml.Marshal(doc)
	if err != nil {
		return domain.NewError(domain.KindInternal, "marshal updated config", err)
	}
	if err := os.WriteFile(o.configPath, out, 0o600); err != nil {
		return domain.NewError(domain.KindInternal, "write updated config", err)
	}
	return nil
}

// backupManager copies the source config file and sqlite database file
// (when the source backend is sqlite) into a timestamped directory
// before any migration step runs, and can restore or discard them
// afterward.
type backupManager struct {
	dataDir string
}

func newBackupManager(dataDir string) *backupManager {
	return &backupManager{dataDir: dataDir}
}

type backupSet struct {
	dir        string
	configPath string
	dbPath     string
	hadDB      bool
}

func (b *backupManager) createBackup(configPath string, source config.Storage) (*backupSet, error) {
	dir := filepath.Join(b.dataDir, ".pipeforge-migration-backup-"+time.Now().UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	set := &backupSet{dir: dir}

	if configPath != "" {
		if err := copyFile(configPath, filepath.Join(dir, "config.yaml")); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("backup config file: %w", err)
		}
		set.configPath = configPath
	}

	if source.Backend == "sqlite" || source.Backend == "" {
		dbPath := filepath.Join(source.DataDir, sqlite.DBFileName)
		if _, err := os.Stat(dbPath); err == nil {
			if err := copyFile(dbPath, filepath.Join(dir, sqlite.DBFileName)); err != nil {
				return nil, fmt.Errorf("backup database file: %w", err)
			}
			set.dbPath = dbPath
			set.hadDB = true
		}
	}

	return set, nil
}

// restore copies the backed-up config file and database file back over
// their live paths. configPath/source are accepted only so call sites
// read symmetrically with createBackup; the backup set already knows its
// own source paths.
func (s *backupSet) restore(_ string, _ config.Storage) error {
	if s.configPath != "" {
		if err := copyFile(filepath.Join(s.dir, "config.yaml"), s.configPath); err != nil {
			return fmt.Errorf("restore config file: %w", err)
		}
	}
	if s.hadDB {
		if err := copyFile(filepath.Join(s.dir, sqlite.DBFileName), s.dbPath); err != nil {
			return fmt.Errorf("restore database file: %w", err)
		}
	}
	return nil
}

func (s *backupSet) cleanup(_ bool) error {
	return os.RemoveAll(s.dir)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
