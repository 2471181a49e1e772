// Package config loads the process configuration, following the
// teacher's convention: a single Config struct decoded by
// github.com/rakunlabs/chu, with environment variable overrides applied
// through loaderenv using a documented prefix.
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

// EnvPrefix is the env-var override prefix: PIPEFORGE_GENERAL_METRICS_ENABLED,
// PIPEFORGE_STORAGE_BACKEND, PIPEFORGE_STORAGE_VAULT_PASSWORD, etc.
const EnvPrefix = "PIPEFORGE_"

// Service identifies this process as "<name>/<version>" for logs; set once
// by main before Load is called.
var Service = ""

// Config is the top-level configuration surface (spec §6 Configuration
// surface). Every recognized key has a `cfg:"..."` tag; loaderenv maps
// "general.metrics_enabled" to "PIPEFORGE_GENERAL_METRICS_ENABLED".
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	General   General                  `cfg:"general"`
	Storage   Storage                  `cfg:"storage"`
	Providers map[string]ProviderEntry `cfg:"providers"`
	Telemetry tell.Config              `cfg:"telemetry,noprefix"`
}

// General holds engine-wide defaults that are not specific to any one
// provider or storage backend.
type General struct {
	MetricsEnabled         bool `cfg:"metrics_enabled" default:"true"`
	DefaultRefreshInterval uint32 `cfg:"default_refresh_interval" default:"60"`
}

// MinRefreshIntervalSeconds is the floor on any refresh interval,
// general or per-provider (spec §4.7 "Active" mode).
const MinRefreshIntervalSeconds = 5

// EffectiveRefreshInterval applies the floor.
func (g General) EffectiveRefreshInterval() uint32 {
	if g.DefaultRefreshInterval < MinRefreshIntervalSeconds {
		return MinRefreshIntervalSeconds
	}
	return g.DefaultRefreshInterval
}

// Storage selects and configures the persistence backend.
type Storage struct {
	Backend string `cfg:"backend" default:"sqlite"` // "sqlite" | "postgres" | "memory"

	DataDir      string          `cfg:"data_dir" default:"./data"`
	Postgres     *StoragePostgres `cfg:"postgres"`
	VaultPassword string          `cfg:"vault_password" log:"-"`
}

type StoragePostgres struct {
	ConnectionString string `cfg:"connection_string" log:"-"`
}

// ProviderEntry is one `providers.<id>` block. Token accepts the
// reference syntax resolved by internal/providerservice
// (`${ENV_VAR}` / `${ENV_VAR:-default}`).
type ProviderEntry struct {
	Name            string            `cfg:"name"`
	Type            string            `cfg:"type"`
	Token           string            `cfg:"token" log:"-"`
	RefreshInterval uint32            `cfg:"refresh_interval"`
	Settings        map[string]string `cfg:"config"`
}

// Load reads configuration from path, applying PIPEFORGE_-prefixed
// environment overrides, and sets the global log level — mirroring the
// teacher's config.Load(ctx, path).
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix(EnvPrefix)))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
