package sqlite

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/kestrelci/pipeforge/internal/vault"
)

// ─── vault.RecordStore ───

func (s *SQLite) ListRecords(ctx context.Context) ([]vault.Record, error) {
	query, _, err := s.goqu.From(s.tableProviders).
		Select("id", "encrypted_token", "token_nonce").
		Where(goqu.I("encrypted_token").IsNotNull()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) PutRecord(ctx context.Context, r vault.Record) error {
	query, _, err := s.goqu.Update(s.tableProviders).
		Set(goqu.Record{"encrypted_token": r.Ciphertext, "token_nonce": r.Nonce}).
		Where(goqu.I("id").Eq(r.ProviderID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build put record query: %w", err)
	}

	_, err = s.execWithRetry(ctx, query)
	if err != nil {
		return fmt.Errorf("put vault record for provider %d: %w", r.ProviderID, err)
	}
	return nil
}

func (s *SQLite) DeleteRecord(ctx context.Context, providerID int64) error {
	query, _, err := s.goqu.Update(s.tableProviders).
		Set(goqu.Record{"encrypted_token": nil, "token_nonce": nil}).
		Where(goqu.I("id").Eq(providerID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete record query: %w", err)
	}

	_, err = s.execWithRetry(ctx, query)
	if err != nil {
		return fmt.Errorf("delete vault record for provider %d: %w", providerID, err)
	}
	return nil
}
