// Package sqlite is the embedded storage backend (C2/C3/C4), the
// default when no Postgres connection string is configured. Built the
// way the teacher's internal/store/sqlite3/sqlite3.go builds its own
// SQLite store: WAL mode, a single-writer connection pool, and the same
// goqu+muz machinery as the Postgres backend with a different dialect.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "modernc.org/sqlite"
)

var TablePrefix = "pipeforge_"

// DBFileName is the database file name under a sqlite data_dir, exported
// so the migration orchestrator's backup step can locate it without
// duplicating the path convention.
const DBFileName = "pipeforge.db"

type SQLite struct {
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

// New opens (creating if absent) a SQLite database file under dataDir.
func New(ctx context.Context, dataDir string) (*SQLite, error) {
	if dataDir == "" {
		return nil, errors.New("sqlite data_dir is required")
	}

	dsn := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=2000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateDB(ctx, db, TablePrefix+"migrations", TablePrefix); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	slog.Info("connected to store sqlite", "path", dsn)

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
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

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// busyRetryDelays is the backoff schedule for a single-writer database: one
// writer holds the file lock at a time, so a second writer's busy/locked
// error is expected under concurrent load rather than exceptional.
var busyRetryDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

// isBusyOrLocked reports whether err is SQLite signaling contention for the
// write lock rather than a real failure. modernc.org/sqlite surfaces these
// as plain errors carrying the driver's result code text, not a typed
// error this package can errors.As against, so matching on that text is
// the only option short of importing the driver package directly.
func isBusyOrLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// busyRetry runs fn, retrying on a busy/locked error with the backoff in
// busyRetryDelays and warning once all attempts are exhausted.
func busyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isBusyOrLocked(err) {
			return err
		}
		if attempt >= len(busyRetryDelays) {
			slog.Warn("sqlite write still busy after retries", "attempts", attempt, "error", err)
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryDelays[attempt]):
		}
	}
}

// execWithRetry wraps a single ExecContext write with busyRetry.
func (s *SQLite) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := busyRetry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// txWithRetry runs fn inside a fresh transaction, retrying the whole
// begin/fn/commit cycle on a busy/locked error: once a transaction hits
// SQLITE_BUSY mid-flight it must be rolled back and restarted, not resumed,
// so retrying a single statement inside it is not an option.
func (s *SQLite) txWithRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return busyRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}
