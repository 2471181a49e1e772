package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/kestrelci/pipeforge/internal/domain"
)

type providerRow struct {
	ID              int64
	Name            string
	ProviderType    string
	ConfigJSON      []byte
	TokenReference  string
	RefreshInterval int
	Version         int64
	LastFetchStatus string
	LastFetchError  sql.NullString
	LastFetchAt     sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (r providerRow) toDomain() (*domain.Provider, error) {
	settings := map[string]string{}
	if len(r.ConfigJSON) > 0 {
		if err := json.Unmarshal(r.ConfigJSON, &settings); err != nil {
			return nil, fmt.Errorf("unmarshal provider config: %w", err)
		}
	}

	p := &domain.Provider{
		ID:                     r.ID,
		Name:                   r.Name,
		ProviderType:           r.ProviderType,
		Settings:               settings,
		TokenReference:         r.TokenReference,
		RefreshIntervalSeconds: r.RefreshInterval,
		Version:                r.Version,
		LastFetchStatus:        domain.FetchStatus(r.LastFetchStatus),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
	if r.LastFetchError.Valid {
		p.LastFetchError = types.NewNull(r.LastFetchError.String)
	}
	if r.LastFetchAt.Valid {
		p.LastFetchAt = types.NewTimeNull(types.NewTime(r.LastFetchAt.Time))
	}
	return p, nil
}

func scanProviderRow(scanner interface{ Scan(...any) error }) (providerRow, error) {
	var r providerRow
	err := scanner.Scan(
		&r.ID, &r.Name, &r.ProviderType, &r.ConfigJSON, &r.TokenReference,
		&r.RefreshInterval, &r.Version, &r.LastFetchStatus, &r.LastFetchError,
		&r.LastFetchAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

var providerColumns = []any{
	"id", "name", "provider_type", "config_json", "token_reference",
	"refresh_interval", "version", "last_fetch_status", "last_fetch_error",
	"last_fetch_at", "created_at", "updated_at",
}

func (p *Postgres) CreateProvider(ctx context.Context, prov domain.Provider) (*domain.Provider, error) {
	settingsJSON, err := json.Marshal(prov.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal provider settings: %w", err)
	}

	record := goqu.Record{
		"name":             prov.Name,
		"provider_type":    prov.ProviderType,
		"config_json":      settingsJSON,
		"token_reference":  prov.TokenReference,
		"refresh_interval": prov.RefreshIntervalSeconds,
		"version":          1,
		"last_fetch_status": string(domain.FetchStatusNever),
	}

	query, _, err := p.goqu.Insert(p.tableProviders).Rows(record).Returning(providerColumns...).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create provider query: %w", err)
	}

	row, err := scanProviderRow(p.db.QueryRowContext(ctx, query))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewError(domain.KindInvalidConfig, fmt.Sprintf("provider name %q already in use", prov.Name), err)
		}
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return row.toDomain()
}

// isUniqueViolation is best-effort: pgx surfaces SQLSTATE 23505 in the
// driver error's Error() text when a more specific type assertion isn't
// worth adding a direct pgconn dependency for this single check.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func (p *Postgres) GetProvider(ctx context.Context, id int64) (*domain.Provider, error) {
	query, _, err := p.goqu.From(p.tableProviders).Select(providerColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider query: %w", err)
	}

	row, err := scanProviderRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider %d: %w", id, err)
	}
	return row.toDomain()
}

func (p *Postgres) GetProviderByName(ctx context.Context, name string) (*domain.Provider, error) {
	query, _, err := p.goqu.From(p.tableProviders).Select(providerColumns...).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider by name query: %w", err)
	}

	row, err := scanProviderRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider by name %q: %w", name, err)
	}
	return row.toDomain()
}

func (p *Postgres) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	query, _, err := p.goqu.From(p.tableProviders).Select(providerColumns...).Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []domain.Provider
	for rows.Next() {
		row, err := scanProviderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		dp, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *dp)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateWithVersion(ctx context.Context, id int64, prov domain.Provider, expectedVersion int64) (bool, error) {
	settingsJSON, err := json.Marshal(prov.Settings)
	if err != nil {
		return false, fmt.Errorf("marshal provider settings: %w", err)
	}

	query, _, err := p.goqu.Update(p.tableProviders).
		Set(goqu.Record{
			"name":             prov.Name,
			"provider_type":    prov.ProviderType,
			"config_json":      settingsJSON,
			"token_reference":  prov.TokenReference,
			"refresh_interval": prov.RefreshIntervalSeconds,
			"version":          expectedVersion + 1,
			"updated_at":       time.Now().UTC(),
		}).
		Where(goqu.I("id").Eq(id), goqu.I("version").Eq(expectedVersion)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build update provider query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		if isUniqueViolation(err) {
			return false, domain.NewError(domain.KindInvalidConfig, fmt.Sprintf("provider name %q already in use", prov.Name), err)
		}
		return false, fmt.Errorf("update provider %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *Postgres) UpdateFetchStatus(ctx context.Context, id int64, status domain.FetchStatus, errMsg string, at time.Time) error {
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}

	query, _, err := p.goqu.Update(p.tableProviders).
		Set(goqu.Record{
			"last_fetch_status": string(status),
			"last_fetch_error":  errVal,
			"last_fetch_at":     at,
		}).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update fetch status query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("update fetch status for provider %d: %w", id, err)
	}
	return nil
}

func (p *Postgres) DeleteProvider(ctx context.Context, id int64) error {
	query, _, err := p.goqu.Delete(p.tableProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete provider %d: %w", id, err)
	}
	return nil
}

// ─── permissions ───

func (p *Postgres) PutPermissions(ctx context.Context, providerID int64, perms domain.PermissionStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put permissions tx: %w", err)
	}
	defer tx.Rollback()

	delQuery, _, err := p.goqu.Delete(p.tablePermissions).Where(goqu.I("provider_id").Eq(providerID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete permissions query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, delQuery); err != nil {
		return fmt.Errorf("clear permissions for provider %d: %w", providerID, err)
	}

	for name, granted := range perms.Permissions {
		insQuery, _, err := p.goqu.Insert(p.tablePermissions).Rows(goqu.Record{
			"provider_id":     providerID,
			"permission_name": name,
			"granted":         granted,
			"checked_at":      perms.CheckedAt,
		}).ToSQL()
		if err != nil {
			return fmt.Errorf("build insert permission query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insQuery); err != nil {
			return fmt.Errorf("insert permission %q for provider %d: %w", name, providerID, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) GetPermissions(ctx context.Context, providerID int64) (*domain.PermissionStatus, error) {
	query, _, err := p.goqu.From(p.tablePermissions).
		Select("permission_name", "granted", "checked_at").
		Where(goqu.I("provider_id").Eq(providerID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get permissions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get permissions for provider %d: %w", providerID, err)
	}
	defer rows.Close()

	out := &domain.PermissionStatus{Permissions: map[string]bool{}}
	found := false
	for rows.Next() {
		var name string
		var granted bool
		var checkedAt time.Time
		if err := rows.Scan(&name, &granted, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan permission row: %w", err)
		}
		out.Permissions[name] = granted
		out.CheckedAt = checkedAt
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return out, nil
}

// ─── table preferences ───

func (p *Postgres) PutTablePreferences(ctx context.Context, providerID int64, tableID string, prefs map[string]any) error {
	prefsJSON, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal table preferences: %w", err)
	}

	query, _, err := p.goqu.Insert(p.tableTablePrefs).Rows(goqu.Record{
		"provider_id":      providerID,
		"table_id":         tableID,
		"preferences_json": prefsJSON,
	}).OnConflict(goqu.DoUpdate("provider_id, table_id", goqu.Record{"preferences_json": prefsJSON})).ToSQL()
	if err != nil {
		return fmt.Errorf("build put table preferences query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("put table preferences for provider %d table %q: %w", providerID, tableID, err)
	}
	return nil
}

func (p *Postgres) GetTablePreferences(ctx context.Context, providerID int64, tableID string) (map[string]any, error) {
	query, _, err := p.goqu.From(p.tableTablePrefs).
		Select("preferences_json").
		Where(goqu.I("provider_id").Eq(providerID), goqu.I("table_id").Eq(tableID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get table preferences query: %w", err)
	}

	var raw []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get table preferences for provider %d table %q: %w", providerID, tableID, err)
	}

	var prefs map[string]any
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return nil, fmt.Errorf("unmarshal table preferences: %w", err)
	}
	return prefs, nil
}

// ─── export/import (migration orchestrator) ───

func (p *Postgres) ExportProviders(ctx context.Context) ([]domain.Provider, error) {
	return p.ListProviders(ctx)
}

func (p *Postgres) ImportProviders(ctx context.Context, providers []domain.Provider) (map[int64]int64, error) {
	remap := make(map[int64]int64, len(providers))
	for _, prov := range providers {
		oldID := prov.ID
		created, err := p.CreateProvider(ctx, prov)
		if err != nil {
			return nil, fmt.Errorf("import provider %q: %w", prov.Name, err)
		}
		remap[oldID] = created.ID
	}
	return remap, nil
}
