package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/kestrelci/pipeforge/internal/domain"
)

// ─── pipelines_cache ───

func (p *Postgres) UpdatePipelinesCache(ctx context.Context, providerID int64, pipelines []domain.Pipeline) (int, int, int, error) {
	existing, err := p.ListPipelinesByProvider(ctx, providerID)
	if err != nil {
		return 0, 0, 0, err
	}
	existingByID := make(map[string]domain.Pipeline, len(existing))
	for _, e := range existing {
		existingByID[e.ID] = e
	}

	incomingByID := make(map[string]domain.Pipeline, len(pipelines))
	for _, pl := range pipelines {
		incomingByID[pl.ID] = pl
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin update pipelines cache tx: %w", err)
	}
	defer tx.Rollback()

	var newCount, changedCount, deletedCount int
	now := time.Now().UTC()

	for id := range existingByID {
		if _, ok := incomingByID[id]; ok {
			continue
		}
		query, _, err := p.goqu.Delete(p.tablePipelines).Where(goqu.I("id").Eq(id)).ToSQL()
		if err != nil {
			return 0, 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return 0, 0, 0, fmt.Errorf("delete stale pipeline %q: %w", id, err)
		}
		deletedCount++
	}

	for id, pl := range incomingByID {
		metadataJSON, err := json.Marshal(pl.Metadata)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("marshal pipeline metadata: %w", err)
		}

		old, ok := existingByID[id]
		changed := !ok || old.Status != pl.Status || old.Name != pl.Name || old.LastRunAt != pl.LastRunAt

		record := goqu.Record{
			"id":            pl.ID,
			"provider_id":   providerID,
			"provider_type": pl.ProviderType,
			"name":          pl.Name,
			"status":        pl.Status,
			"repository":    pl.Repository,
			"branch":        nullableString(pl.Branch),
			"workflow_file": nullableString(pl.WorkflowFile),
			"last_run_at":   nullableTime(pl.LastRunAt),
			"last_updated":  now,
			"metadata_json": metadataJSON,
		}

		query, _, err := p.goqu.Insert(p.tablePipelines).Rows(record).
			OnConflict(goqu.DoUpdate("id", record)).ToSQL()
		if err != nil {
			return 0, 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return 0, 0, 0, fmt.Errorf("upsert pipeline %q: %w", id, err)
		}

		if !ok {
			newCount++
		} else if changed {
			changedCount++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit update pipelines cache tx: %w", err)
	}
	return newCount, changedCount, deletedCount, nil
}

func nullableString(n types.Null[string]) any {
	if !n.Valid {
		return nil
	}
	return n.V
}

func nullableTime(n types.Null[types.Time]) any {
	if !n.Valid {
		return nil
	}
	return n.V.Time
}

var pipelineColumns = []any{
	"id", "provider_id", "provider_type", "name", "status", "repository",
	"branch", "workflow_file", "last_run_at", "last_updated", "metadata_json",
}

func scanPipelineRow(scanner interface{ Scan(...any) error }) (domain.Pipeline, error) {
	var pl domain.Pipeline
	var branch, workflowFile sql.NullString
	var lastRunAt sql.NullTime
	var metadataJSON []byte

	err := scanner.Scan(&pl.ID, &pl.ProviderID, &pl.ProviderType, &pl.Name, &pl.Status, &pl.Repository,
		&branch, &workflowFile, &lastRunAt, &pl.LastUpdatedAt, &metadataJSON)
	if err != nil {
		return pl, err
	}

	if branch.Valid {
		pl.Branch = types.NewNull(branch.String)
	}
	if workflowFile.Valid {
		pl.WorkflowFile = types.NewNull(workflowFile.String)
	}
	if lastRunAt.Valid {
		pl.LastRunAt = types.NewTimeNull(types.NewTime(lastRunAt.Time))
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &pl.Metadata); err != nil {
			return pl, fmt.Errorf("unmarshal pipeline metadata: %w", err)
		}
	}
	return pl, nil
}

func (p *Postgres) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	query, _, err := p.goqu.From(p.tablePipelines).Select(pipelineColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, err
	}
	pl, err := scanPipelineRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %q: %w", id, err)
	}
	return &pl, nil
}

func (p *Postgres) ListPipelinesByProvider(ctx context.Context, providerID int64) ([]domain.Pipeline, error) {
	query, _, err := p.goqu.From(p.tablePipelines).Select(pipelineColumns...).
		Where(goqu.I("provider_id").Eq(providerID)).Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pipelines for provider %d: %w", providerID, err)
	}
	defer rows.Close()

	var out []domain.Pipeline
	for rows.Next() {
		pl, err := scanPipelineRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *Postgres) DeletePipelinesByProvider(ctx context.Context, providerID int64) error {
	query, _, err := p.goqu.Delete(p.tablePipelines).Where(goqu.I("provider_id").Eq(providerID)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("delete pipelines for provider %d: %w", providerID, err)
	}
	return nil
}

// ─── run_history_cache ───

func (p *Postgres) GetCachedRunsWithHashes(ctx context.Context, pipelineID string) (map[int64]domain.CachedRun, error) {
	query, _, err := p.goqu.From(p.tableRuns).
		Select("run_number", "run_data_json", "run_hash").
		Where(goqu.I("pipeline_id").Eq(pipelineID)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get cached runs for pipeline %q: %w", pipelineID, err)
	}
	defer rows.Close()

	out := make(map[int64]domain.CachedRun)
	for rows.Next() {
		var runNumber int64
		var runDataJSON []byte
		var hash string
		if err := rows.Scan(&runNumber, &runDataJSON, &hash); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var run domain.PipelineRun
		if err := json.Unmarshal(runDataJSON, &run); err != nil {
			return nil, fmt.Errorf("unmarshal run data: %w", err)
		}
		out[runNumber] = domain.CachedRun{Run: run, Hash: hash}
	}
	return out, rows.Err()
}

func (p *Postgres) MergeRunCache(ctx context.Context, pipelineID string, newRuns, changedRuns []domain.PipelineRun, deletedRunNumbers []int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge run cache tx: %w", err)
	}
	defer tx.Rollback()

	upsert := func(r domain.PipelineRun) error {
		runDataJSON, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal run data: %w", err)
		}
		record := goqu.Record{
			"pipeline_id":   pipelineID,
			"run_number":    r.RunNumber,
			"run_data_json": runDataJSON,
			"fetched_at":    time.Now().UTC(),
			"run_hash":      r.RunHash,
		}
		query, _, err := p.goqu.Insert(p.tableRuns).Rows(record).
			OnConflict(goqu.DoUpdate("pipeline_id, run_number", record)).ToSQL()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query)
		return err
	}

	for _, r := range newRuns {
		if err := upsert(r); err != nil {
			return fmt.Errorf("insert run %d: %w", r.RunNumber, err)
		}
	}
	for _, r := range changedRuns {
		if err := upsert(r); err != nil {
			return fmt.Errorf("update run %d: %w", r.RunNumber, err)
		}
	}
	for _, num := range deletedRunNumbers {
		query, _, err := p.goqu.Delete(p.tableRuns).
			Where(goqu.I("pipeline_id").Eq(pipelineID), goqu.I("run_number").Eq(num)).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("delete run %d: %w", num, err)
		}
	}

	return tx.Commit()
}

func (p *Postgres) ListCachedRuns(ctx context.Context, pipelineID string, limit, offset int) ([]domain.PipelineRun, int, error) {
	countQuery, _, err := p.goqu.From(p.tableRuns).Select(goqu.COUNT("*")).
		Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := p.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cached runs for pipeline %q: %w", pipelineID, err)
	}

	ds := p.goqu.From(p.tableRuns).Select("run_data_json").
		Where(goqu.I("pipeline_id").Eq(pipelineID)).
		Order(goqu.I("run_number").Desc()).
		Offset(uint(offset))
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("list cached runs for pipeline %q: %w", pipelineID, err)
	}
	defer rows.Close()

	var out []domain.PipelineRun
	for rows.Next() {
		var runDataJSON []byte
		if err := rows.Scan(&runDataJSON); err != nil {
			return nil, 0, fmt.Errorf("scan run row: %w", err)
		}
		var run domain.PipelineRun
		if err := json.Unmarshal(runDataJSON, &run); err != nil {
			return nil, 0, fmt.Errorf("unmarshal run data: %w", err)
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

func (p *Postgres) PurgeRunCache(ctx context.Context, pipelineID string) error {
	query, _, err := p.goqu.Delete(p.tableRuns).Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DeleteRunsByPipeline(ctx context.Context, pipelineID string) error {
	return p.PurgeRunCache(ctx, pipelineID)
}

// ─── workflow_parameters_cache ───

func (p *Postgres) UpsertWorkflowParameters(ctx context.Context, params domain.WorkflowParameterList) error {
	paramsJSON, err := json.Marshal(params.Parameters)
	if err != nil {
		return fmt.Errorf("marshal workflow parameters: %w", err)
	}

	record := goqu.Record{
		"workflow_id":     params.WorkflowID,
		"parameters_json": paramsJSON,
		"cached_at":       time.Now().UTC(),
	}
	query, _, err := p.goqu.Insert(p.tableWorkflowParams).Rows(record).
		OnConflict(goqu.DoUpdate("workflow_id", record)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("upsert workflow parameters for %q: %w", params.WorkflowID, err)
	}
	return nil
}

func (p *Postgres) GetWorkflowParameters(ctx context.Context, workflowID string) (*domain.WorkflowParameterList, error) {
	query, _, err := p.goqu.From(p.tableWorkflowParams).
		Select("workflow_id", "parameters_json", "cached_at").
		Where(goqu.I("workflow_id").Eq(workflowID)).ToSQL()
	if err != nil {
		return nil, err
	}

	var result domain.WorkflowParameterList
	var paramsJSON []byte
	err = p.db.QueryRowContext(ctx, query).Scan(&result.WorkflowID, &paramsJSON, &result.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow parameters for %q: %w", workflowID, err)
	}
	if err := json.Unmarshal(paramsJSON, &result.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal workflow parameters: %w", err)
	}
	return &result, nil
}

func (p *Postgres) PurgeWorkflowParametersByPipelinePrefix(ctx context.Context, pipelineID string) error {
	query, _, err := p.goqu.Delete(p.tableWorkflowParams).
		Where(goqu.I("workflow_id").Like(pipelineID + "%")).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("purge workflow parameters for pipeline %q: %w", pipelineID, err)
	}
	return nil
}
