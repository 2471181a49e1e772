// Package postgres is the relational storage backend (C2/C3/C4) backed by
// Postgres, built the way the teacher's internal/store/postgres/postgres.go
// builds its own Postgres store: a goqu.Database over a pgx/v5 stdlib
// connection, table identifiers precomputed at construction time, a
// configurable table prefix, and muz-driven embedded-SQL migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kestrelci/pipeforge/internal/config"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	TablePrefix = "pipeforge_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableProviders      exp.IdentifierExpression
	tablePipelines      exp.IdentifierExpression
	tableRuns           exp.IdentifierExpression
	tableWorkflowParams exp.IdentifierExpression
	tablePermissions    exp.IdentifierExpression
	tableTablePrefs     exp.IdentifierExpression
	tableMetrics        exp.IdentifierExpression
	tableMetricsCfg     exp.IdentifierExpression
	tableMetricsGlobal  exp.IdentifierExpression
	tableProcState      exp.IdentifierExpression
	tableStorageInfo    exp.IdentifierExpression
}

func New(ctx context.Context, cfg *config.StoragePostgres) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.ConnectionString == "" {
		return nil, errors.New("postgres connection_string is required")
	}

	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	if err := migrateDB(ctx, db, TablePrefix+"migrations", TablePrefix); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                  db,
		goqu:                dbGoqu,
		tableProviders:      goqu.T(TablePrefix + "providers"),
		tablePipelines:      goqu.T(TablePrefix + "pipelines_cache"),
		tableRuns:           goqu.T(TablePrefix + "run_history_cache"),
		tableWorkflowParams: goqu.T(TablePrefix + "workflow_parameters_cache"),
		tablePermissions:    goqu.T(TablePrefix + "provider_permissions"),
		tableTablePrefs:     goqu.T(TablePrefix + "table_preferences"),
		tableMetrics:        goqu.T(TablePrefix + "pipeline_metrics"),
		tableMetricsCfg:     goqu.T(TablePrefix + "metrics_config"),
		tableMetricsGlobal:  goqu.T(TablePrefix + "metrics_global_config"),
		tableProcState:      goqu.T(TablePrefix + "metrics_processing_state"),
		tableStorageInfo:    goqu.T(TablePrefix + "metrics_storage_info"),
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}
