package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// migrateDB runs the embedded SQL migrations against db, templating
// {{.TABLE_PREFIX}} with tablePrefix, the way the teacher's own
// store/postgres/migrate.go does with muz.
func migrateDB(ctx context.Context, db *sql.DB, migrationTable, tablePrefix string) error {
	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    map[string]string{"TABLE_PREFIX": tablePrefix},
	}

	driver := muz.NewPostgresDriver(db, migrationTable, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
