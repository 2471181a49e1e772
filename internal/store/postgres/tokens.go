package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/kestrelci/pipeforge/internal/vault"
)

// ─── vault.RecordStore ───
//
// The vault persists its encrypted secrets directly into the providers
// row's encrypted_token/token_nonce columns rather than a side table,
// matching the persisted-state layout's "plus encrypted secret columns"
// note on the providers table.

func (p *Postgres) ListRecords(ctx context.Context) ([]vault.Record, error) {
	query, _, err := p.goqu.From(p.tableProviders).
		Select("id", "encrypted_token", "token_nonce").
		Where(goqu.I("encrypted_token").IsNotNull()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list records query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list vault records: %w", err)
	}
	defer rows.Close()

	var out []vault.Record
	for rows.Next() {
		var r vault.Record
		if err := rows.Scan(&r.ProviderID, &r.Ciphertext, &r.Nonce); err != nil {
			return nil, fmt.Errorf("scan vault record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) PutRecord(ctx context.Context, r vault.Record) error {
	query, _, err := p.goqu.Update(p.tableProviders).
		Set(goqu.Record{"encrypted_token": r.Ciphertext, "token_nonce": r.Nonce}).
		Where(goqu.I("id").Eq(r.ProviderID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build put record query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("put vault record for provider %d: %w", r.ProviderID, err)
	}
	return nil
}

func (p *Postgres) DeleteRecord(ctx context.Context, providerID int64) error {
	query, _, err := p.goqu.Update(p.tableProviders).
		Set(goqu.Record{"encrypted_token": nil, "token_nonce": nil}).
		Where(goqu.I("id").Eq(providerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete record query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete vault record for provider %d: %w", providerID, err)
	}
	return nil
}
