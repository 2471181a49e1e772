package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/kestrelci/pipeforge/internal/domain"
)

func (p *Postgres) InsertSamples(ctx context.Context, samples []domain.MetricsSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert samples tx: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, s := range samples {
		metadataJSON, err := json.Marshal(s.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal sample metadata: %w", err)
		}

		query, _, err := p.goqu.Insert(p.tableMetrics).Rows(goqu.Record{
			"pipeline_id":   s.PipelineID,
			"run_number":    s.RunNumber,
			"timestamp":     s.Timestamp,
			"metric_type":   s.MetricKind,
			"value":         s.Value,
			"metadata_json": metadataJSON,
			"created_at":    time.Now().UTC(),
			"run_hash":      s.RunHash,
		}).OnConflict(goqu.DoNothing()).ToSQL()
		if err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx, query)
		if err != nil {
			return 0, fmt.Errorf("insert metric sample (pipeline=%q run=%d kind=%q): %w", s.PipelineID, s.RunNumber, s.MetricKind, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert samples tx: %w", err)
	}
	return inserted, nil
}

func scanSampleRow(scanner interface{ Scan(...any) error }) (domain.MetricsSample, error) {
	var s domain.MetricsSample
	var metadataJSON []byte
	err := scanner.Scan(&s.PipelineID, &s.RunNumber, &s.Timestamp, &s.MetricKind, &s.Value, &metadataJSON, &s.RunHash)
	if err != nil {
		return s, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return s, fmt.Errorf("unmarshal sample metadata: %w", err)
		}
	}
	return s, nil
}

func (p *Postgres) Query(ctx context.Context, q domain.MetricsQuery) ([]domain.MetricsSample, error) {
	ds := p.goqu.From(p.tableMetrics).
		Select("pipeline_id", "run_number", "timestamp", "metric_type", "value", "metadata_json", "run_hash").
		Order(goqu.I("timestamp").Asc())

	ds = applyMetricsFilter(ds, q)
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricsSample
	for rows.Next() {
		s, err := scanSampleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func applyMetricsFilter(ds *goqu.SelectDataset, q domain.MetricsQuery) *goqu.SelectDataset {
	if q.PipelineID != "" {
		ds = ds.Where(goqu.I("pipeline_id").Eq(q.PipelineID))
	}
	if q.MetricKind != "" {
		ds = ds.Where(goqu.I("metric_type").Eq(q.MetricKind))
	}
	if !q.From.IsZero() {
		ds = ds.Where(goqu.I("timestamp").Gte(q.From))
	}
	if !q.To.IsZero() {
		ds = ds.Where(goqu.I("timestamp").Lte(q.To))
	}
	return ds
}

// QueryAggregatedPushdown computes non-percentile aggregations (avg/sum/
// min/max) with a SQL GROUP BY; percentile types are refused with
// KindInvalidConfig because they require a sorted in-memory pass over raw
// samples, which is the metrics engine's job (not pushed down here).
func (p *Postgres) QueryAggregatedPushdown(ctx context.Context, q domain.MetricsQuery) ([]domain.AggregatedPoint, error) {
	bucketExpr, err := bucketExpression(q.Period)
	if err != nil {
		return nil, err
	}

	aggExpr, ok := aggregateExpression(q.Type)
	if !ok {
		// percentile aggregation: caller (metrics engine) should use Query
		// and compute it from raw samples instead.
		return nil, domain.NewError(domain.KindInvalidConfig, fmt.Sprintf("aggregation type %q is not pushdown-capable", q.Type), nil)
	}

	ds := p.goqu.From(p.tableMetrics).
		Select(
			goqu.L(bucketExpr).As("bucket_start"),
			goqu.L(aggExpr).As("value"),
			goqu.COUNT("*").As("sample_count"),
		).
		GroupBy(goqu.L("1")).
		Order(goqu.L("1").Asc())
	ds = applyMetricsFilter(ds, q)

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query aggregated metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.AggregatedPoint
	for rows.Next() {
		var pt domain.AggregatedPoint
		if err := rows.Scan(&pt.BucketStart, &pt.Value, &pt.SampleCount); err != nil {
			return nil, fmt.Errorf("scan aggregated row: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func bucketExpression(period domain.AggregationPeriod) (string, error) {
	switch period {
	case domain.PeriodHourly:
		return "date_trunc('hour', timestamp)", nil
	case domain.PeriodDaily, "":
		return "date_trunc('day', timestamp)", nil
	case domain.PeriodWeekly:
		return "date_trunc('week', timestamp)", nil
	case domain.PeriodMonthly:
		return "date_trunc('month', timestamp)", nil
	default:
		return "", domain.NewError(domain.KindInvalidConfig, fmt.Sprintf("unknown aggregation period %q", period), nil)
	}
}

func aggregateExpression(typ domain.AggregationType) (string, bool) {
	switch typ {
	case domain.AggSum:
		return "sum(value)", true
	case domain.AggMin:
		return "min(value)", true
	case domain.AggMax:
		return "max(value)", true
	case domain.AggAvg, "":
		return "avg(value)", true
	default:
		return "", false
	}
}

func (p *Postgres) GetProcessingState(ctx context.Context, pipelineID string) (*domain.ProcessingState, error) {
	query, _, err := p.goqu.From(p.tableProcState).
		Select("pipeline_id", "last_processed_run_number", "last_processed_at").
		Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return nil, err
	}

	var state domain.ProcessingState
	var lastAt sql.NullTime
	err = p.db.QueryRowContext(ctx, query).Scan(&state.PipelineID, &state.LastProcessedRun, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ProcessingState{PipelineID: pipelineID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processing state for pipeline %q: %w", pipelineID, err)
	}
	return &state, nil
}

// AdvanceProcessingState only moves the watermark forward: a guarded
// UPDATE (last_processed_run_number < runNumber) falls back to INSERT when
// no row exists yet, so a concurrent extraction that already advanced
// further is a no-op rather than a regression.
func (p *Postgres) AdvanceProcessingState(ctx context.Context, pipelineID string, runNumber int64) error {
	upd, _, err := p.goqu.Update(p.tableProcState).
		Set(goqu.Record{"last_processed_run_number": runNumber, "last_processed_at": time.Now().UTC(), "updated_at": time.Now().UTC()}).
		Where(goqu.I("pipeline_id").Eq(pipelineID), goqu.I("last_processed_run_number").Lt(runNumber)).
		ToSQL()
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, upd)
	if err != nil {
		return fmt.Errorf("advance processing state for pipeline %q: %w", pipelineID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	ins, _, err := p.goqu.Insert(p.tableProcState).Rows(goqu.Record{
		"pipeline_id":                pipelineID,
		"last_processed_run_number": runNumber,
		"last_processed_at":         time.Now().UTC(),
		"updated_at":                time.Now().UTC(),
	}).OnConflict(goqu.DoNothing()).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, ins)
	if err != nil {
		return fmt.Errorf("insert processing state for pipeline %q: %w", pipelineID, err)
	}
	return nil
}

func (p *Postgres) ResetProcessingState(ctx context.Context, pipelineID string) error {
	query, _, err := p.goqu.Delete(p.tableProcState).Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) ListCorruptedProcessingStates(ctx context.Context) ([]string, error) {
	query, _, err := p.goqu.From(p.tableProcState).
		Select("pipeline_id").
		Where(
			goqu.I("last_processed_run_number").Gt(0),
			goqu.L("NOT EXISTS (SELECT 1 FROM ? WHERE pipeline_id = ?.pipeline_id)", p.tableMetrics, p.tableProcState),
		).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list corrupted processing states: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Postgres) CountSamples(ctx context.Context, pipelineID string) (int, error) {
	query, _, err := p.goqu.From(p.tableMetrics).Select(goqu.COUNT("*")).
		Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return 0, err
	}
	var count int
	err = p.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

func (p *Postgres) GetMetricsConfig(ctx context.Context, pipelineID string) (*domain.MetricsConfig, error) {
	query, _, err := p.goqu.From(p.tableMetricsCfg).
		Select("enabled", "retention_days").
		Where(goqu.I("pipeline_id").Eq(pipelineID)).ToSQL()
	if err != nil {
		return nil, err
	}

	var cfg domain.MetricsConfig
	err = p.db.QueryRowContext(ctx, query).Scan(&cfg.Enabled, &cfg.RetentionDays)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics config for pipeline %q: %w", pipelineID, err)
	}
	return &cfg, nil
}

func (p *Postgres) PutMetricsConfig(ctx context.Context, pipelineID string, cfg domain.MetricsConfig) error {
	record := goqu.Record{
		"pipeline_id":    pipelineID,
		"enabled":        cfg.Enabled,
		"retention_days": cfg.RetentionDays,
		"updated_at":     time.Now().UTC(),
	}
	query, _, err := p.goqu.Insert(p.tableMetricsCfg).Rows(record).
		OnConflict(goqu.DoUpdate("pipeline_id", record)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("put metrics config for pipeline %q: %w", pipelineID, err)
	}
	return nil
}

func (p *Postgres) GetGlobalMetricsConfig(ctx context.Context) (domain.MetricsConfig, error) {
	query, _, err := p.goqu.From(p.tableMetricsGlobal).
		Select("enabled", "default_retention_days").Where(goqu.I("id").Eq(1)).ToSQL()
	if err != nil {
		return domain.MetricsConfig{}, err
	}
	var cfg domain.MetricsConfig
	err = p.db.QueryRowContext(ctx, query).Scan(&cfg.Enabled, &cfg.RetentionDays)
	if err != nil {
		return domain.MetricsConfig{}, fmt.Errorf("get global metrics config: %w", err)
	}
	return cfg, nil
}

func (p *Postgres) PutGlobalMetricsConfig(ctx context.Context, cfg domain.MetricsConfig) error {
	query, _, err := p.goqu.Update(p.tableMetricsGlobal).
		Set(goqu.Record{"enabled": cfg.Enabled, "default_retention_days": cfg.RetentionDays, "updated_at": time.Now().UTC()}).
		Where(goqu.I("id").Eq(1)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("put global metrics config: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteOldMetrics(ctx context.Context, cutoffByPipeline map[string]time.Time) (int, error) {
	deleted := 0
	for pipelineID, cutoff := range cutoffByPipeline {
		for {
			query, _, err := p.goqu.Delete(p.tableMetrics).
				Where(goqu.L("id IN (SELECT id FROM ? WHERE pipeline_id = ? AND timestamp < ? LIMIT 100)", p.tableMetrics, pipelineID, cutoff)).
				ToSQL()
			if err != nil {
				return deleted, err
			}
			res, err := p.db.ExecContext(ctx, query)
			if err != nil {
				return deleted, fmt.Errorf("delete old metrics for pipeline %q: %w", pipelineID, err)
			}
			n, _ := res.RowsAffected()
			deleted += int(n)
			if n < 100 {
				break
			}
		}
	}
	return deleted, nil
}

func (p *Postgres) GetLastCleanupAt(ctx context.Context) (time.Time, error) {
	query, _, err := p.goqu.From(p.tableStorageInfo).Select("last_cleanup_at").Where(goqu.I("id").Eq(1)).ToSQL()
	if err != nil {
		return time.Time{}, err
	}
	var t sql.NullTime
	err = p.db.QueryRowContext(ctx, query).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("get last cleanup at: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (p *Postgres) SetLastCleanupAt(ctx context.Context, at time.Time) error {
	query, _, err := p.goqu.Update(p.tableStorageInfo).
		Set(goqu.Record{"last_cleanup_at": at, "updated_at": time.Now().UTC()}).
		Where(goqu.I("id").Eq(1)).ToSQL()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("set last cleanup at: %w", err)
	}
	return nil
}
