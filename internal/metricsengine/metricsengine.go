// Package metricsengine is the metrics extraction and aggregation
// component (C9): it turns cached runs into timestamped samples, answers
// raw and aggregated queries (computing percentiles itself, since no
// backend pushes those down), and enforces retention.
//
// Grounded on original_source/.../infrastructure/database/metrics_repository.rs
// for the extraction contract and the percentile interpolation formula,
// and on internal/store's own `QueryAggregatedPushdown` split (see
// DESIGN.md) for which aggregations the storage layer may compute
// directly versus which this package must compute itself.
package metricsengine

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/store"
)

// Service implements C9 over a ConfigStore+CacheStore (to enumerate
// pipelines for retention when none is named) and a MetricsStore.
type Service struct {
	config  store.ConfigStore
	cache   store.CacheStore
	metrics store.MetricsStore
	bus     *eventbus.Bus
}

func New(config store.ConfigStore, cache store.CacheStore, metrics store.MetricsStore, bus *eventbus.Bus) *Service {
	return &Service{config: config, cache: cache, metrics: metrics, bus: bus}
}

// ExtractAndStoreMetrics emits one or more samples per run with
// run_number beyond the pipeline's processing watermark, inserts them
// (relying on the store's unique-constraint drop for at-most-once
// semantics across repeated extraction of the same run), and advances
// the watermark to the highest run_number actually seen. It returns 0,
// nil without touching storage when metrics are disabled for this
// pipeline.
func (s *Service) ExtractAndStoreMetrics(ctx context.Context, pipelineID string, runs []domain.PipelineRun) (int, error) {
	cfg, err := s.effectiveConfig(ctx, pipelineID)
	if err != nil {
		return 0, err
	}
	if !cfg.Enabled {
		return 0, nil
	}

	state, err := s.metrics.GetProcessingState(ctx, pipelineID)
	if err != nil {
		return 0, domain.NewError(domain.KindDatabaseError, "load processing state", err)
	}
	lastProcessed := state.LastProcessedRun

	var samples []domain.MetricsSample
	maxRunNumber := lastProcessed
	for _, run := range runs {
		if run.RunNumber <= lastProcessed {
			continue
		}
		if run.RunNumber > maxRunNumber {
			maxRunNumber = run.RunNumber
		}
		samples = append(samples, samplesForRun(run)...)
	}

	if len(samples) == 0 {
		return 0, nil
	}

	inserted, err := s.metrics.InsertSamples(ctx, samples)
	if err != nil {
		return 0, domain.NewError(domain.KindDatabaseError, "insert metrics samples", err)
	}

	if maxRunNumber > lastProcessed {
		if err := s.metrics.AdvanceProcessingState(ctx, pipelineID, maxRunNumber); err != nil {
			logi.Ctx(ctx).Error("advance processing state failed", "pipeline_id", pipelineID, "error", err)
		}
	}

	s.bus.Publish(domain.Event{Type: domain.EventMetricsGenerated, Timestamp: time.Now().UTC(),
		Payload: domain.MetricsGeneratedPayload{PipelineID: pipelineID, SampleCount: inserted}})

	return inserted, nil
}

func (s *Service) effectiveConfig(ctx context.Context, pipelineID string) (domain.MetricsConfig, error) {
	override, err := s.metrics.GetMetricsConfig(ctx, pipelineID)
	if err != nil {
		return domain.MetricsConfig{}, domain.NewError(domain.KindDatabaseError, "load metrics config", err)
	}
	if override != nil {
		return *override, nil
	}
	global, err := s.metrics.GetGlobalMetricsConfig(ctx)
	if err != nil {
		return domain.MetricsConfig{}, domain.NewError(domain.KindDatabaseError, "load global metrics config", err)
	}
	return global, nil
}

// samplesForRun builds every sample this run contributes: the four
// built-in kinds (RunCount and SuccessRate always apply; RunDuration and
// QueueTime only when the run carries enough data to compute them) plus
// any provider-extension kinds found under run.Metadata["provider_metrics"].
func samplesForRun(run domain.PipelineRun) []domain.MetricsSample {
	ts := run.StartedAt
	if run.ConcludedAt.Valid {
		ts = run.ConcludedAt.V.Time
	}
	hash := run.RunHash
	if hash == "" {
		hash = run.ComputeHash()
	}

	sample := func(kind domain.MetricKind, value float64) domain.MetricsSample {
		return domain.MetricsSample{
			PipelineID: run.PipelineID, RunNumber: run.RunNumber, Timestamp: ts,
			MetricKind: string(kind), Value: value, RunHash: hash,
		}
	}

	samples := []domain.MetricsSample{
		sample(domain.MetricRunCount, 1),
		sample(domain.MetricSuccessRate, successValue(run.Status)),
	}

	if duration, ok := runDurationSeconds(run); ok {
		samples = append(samples, sample(domain.MetricRunDuration, duration))
	}
	if queueSecs, ok := queueTimeSeconds(run); ok {
		samples = append(samples, sample(domain.MetricQueueTime, queueSecs))
	}

	for kind, value := range providerExtensionMetrics(run) {
		samples = append(samples, domain.MetricsSample{
			PipelineID: run.PipelineID, RunNumber: run.RunNumber, Timestamp: ts,
			MetricKind: kind, Value: value, RunHash: hash,
		})
	}

	return samples
}

func successValue(status string) float64 {
	switch strings.ToLower(status) {
	case "success", "succeeded", "passed":
		return 1
	default:
		return 0
	}
}

func runDurationSeconds(run domain.PipelineRun) (float64, bool) {
	if run.DurationSecs.Valid {
		return float64(run.DurationSecs.V), true
	}
	if run.ConcludedAt.Valid {
		return run.ConcludedAt.V.Time.Sub(run.StartedAt).Seconds(), true
	}
	return 0, false
}

// queueTimeSeconds reads an optional "queued_at" timestamp a plugin may
// attach to a run's Metadata (RFC3339 string or time.Time) and measures
// the gap to StartedAt. Runs without it simply don't contribute a
// QueueTime sample — the plugin interface has no dedicated field for
// this, so it travels through the opaque Metadata bag like any other
// provider extension.
func queueTimeSeconds(run domain.PipelineRun) (float64, bool) {
	raw, ok := run.Metadata["queued_at"]
	if !ok {
		return 0, false
	}
	var queuedAt time.Time
	switch v := raw.(type) {
	case time.Time:
		queuedAt = v
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return 0, false
		}
		queuedAt = parsed
	default:
		return 0, false
	}
	secs := run.StartedAt.Sub(queuedAt).Seconds()
	if secs < 0 {
		return 0, false
	}
	return secs, true
}

// providerExtensionMetrics reads run.Metadata["provider_metrics"], a
// plugin-populated map of arbitrary metric_kind -> numeric value, used
// for anything beyond the four built-ins (e.g. a provider that surfaces
// its own cost or retry-count figures per run).
func providerExtensionMetrics(run domain.PipelineRun) map[string]float64 {
	raw, ok := run.Metadata["provider_metrics"]
	if !ok {
		return nil
	}
	out := map[string]float64{}
	switch m := raw.(type) {
	case map[string]float64:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			if f, ok := toFloat(v); ok {
				out[k] = f
			}
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// CheckProcessingStateCorruption reports a pipeline whose watermark has
// advanced but which has zero stored samples — a sign an earlier
// extraction crashed after advancing the watermark but before (or
// instead of) inserting, silently starving that pipeline of metrics on
// every subsequent run.
func (s *Service) CheckProcessingStateCorruption(ctx context.Context, pipelineID string) (bool, error) {
	state, err := s.metrics.GetProcessingState(ctx, pipelineID)
	if err != nil {
		return false, domain.NewError(domain.KindDatabaseError, "load processing state", err)
	}
	if state.LastProcessedRun <= 0 {
		return false, nil
	}
	count, err := s.metrics.CountSamples(ctx, pipelineID)
	if err != nil {
		return false, domain.NewError(domain.KindDatabaseError, "count samples", err)
	}
	return count == 0, nil
}

// ResetAllCorruptedStates clears the watermark for every pipeline
// CheckProcessingStateCorruption would flag, so the next extraction
// reprocesses from scratch. It returns how many it reset.
func (s *Service) ResetAllCorruptedStates(ctx context.Context) (int, error) {
	ids, err := s.metrics.ListCorruptedProcessingStates(ctx)
	if err != nil {
		return 0, domain.NewError(domain.KindDatabaseError, "list corrupted processing states", err)
	}
	for _, id := range ids {
		if err := s.metrics.ResetProcessingState(ctx, id); err != nil {
			logi.Ctx(ctx).Error("reset corrupted processing state failed", "pipeline_id", id, "error", err)
		}
	}
	return len(ids), nil
}

// Query returns raw samples matching q.
func (s *Service) Query(ctx context.Context, q domain.MetricsQuery) ([]domain.MetricsSample, error) {
	samples, err := s.metrics.Query(ctx, q)
	if err != nil {
		return nil, domain.NewError(domain.KindDatabaseError, "query metrics samples", err)
	}
	return samples, nil
}

// QueryAggregated buckets samples by q.Period and reduces each bucket by
// q.Type. Non-percentile types push down to the store; percentiles are
// computed here by sorting each bucket's raw values and interpolating
// between the floor and ceiling ranks, since no backend computes those.
func (s *Service) QueryAggregated(ctx context.Context, q domain.MetricsQuery) ([]domain.AggregatedPoint, error) {
	if q.Type != domain.AggP95 && q.Type != domain.AggP99 {
		points, err := s.metrics.QueryAggregatedPushdown(ctx, q)
		if err != nil {
			return nil, domain.NewError(domain.KindDatabaseError, "query aggregated metrics", err)
		}
		return points, nil
	}
	return s.queryPercentile(ctx, q)
}

func (s *Service) queryPercentile(ctx context.Context, q domain.MetricsQuery) ([]domain.AggregatedPoint, error) {
	samples, err := s.metrics.Query(ctx, domain.MetricsQuery{
		PipelineID: q.PipelineID, MetricKind: q.MetricKind, From: q.From, To: q.To,
	})
	if err != nil {
		return nil, domain.NewError(domain.KindDatabaseError, "query raw samples for percentile", err)
	}

	target := 0.95
	if q.Type == domain.AggP99 {
		target = 0.99
	}

	buckets := make(map[time.Time][]float64)
	for _, s := range samples {
		b := bucketStart(s.Timestamp, q.Period)
		buckets[b] = append(buckets[b], s.Value)
	}

	out := make([]domain.AggregatedPoint, 0, len(buckets))
	for start, values := range buckets {
		sort.Float64s(values)
		out = append(out, domain.AggregatedPoint{
			BucketStart: start, Value: percentile(values, target), SampleCount: len(values),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// percentile interpolates linearly between the floor and ceiling ranks of
// p over an already-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func bucketStart(t time.Time, period domain.AggregationPeriod) time.Time {
	t = t.UTC()
	switch period {
	case domain.PeriodHourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case domain.PeriodWeekly:
		weekday := (int(t.Weekday()) + 6) % 7 // days since Monday
		return time.Date(t.Year(), t.Month(), t.Day()-weekday, 0, 0, 0, 0, time.UTC)
	case domain.PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// DeleteOldMetrics enforces retention for pipelineID, or for every
// pipeline across every provider when pipelineID is nil, batching
// pipelines into one store call. A pipeline with retention_days <= 0
// (disabled retention) is skipped entirely.
func (s *Service) DeleteOldMetrics(ctx context.Context, pipelineID *string) (int, error) {
	ids, err := s.resolvePipelineIDs(ctx, pipelineID)
	if err != nil {
		return 0, err
	}

	global, err := s.metrics.GetGlobalMetricsConfig(ctx)
	if err != nil {
		return 0, domain.NewError(domain.KindDatabaseError, "load global metrics config", err)
	}

	now := time.Now().UTC()
	cutoffByPipeline := make(map[string]time.Time, len(ids))
	for _, id := range ids {
		retentionDays := global.RetentionDays
		if override, err := s.metrics.GetMetricsConfig(ctx, id); err == nil && override != nil {
			retentionDays = override.RetentionDays
		}
		if retentionDays <= 0 {
			continue
		}
		cutoffByPipeline[id] = now.AddDate(0, 0, -retentionDays)
	}
	if len(cutoffByPipeline) == 0 {
		return 0, nil
	}

	deleted, err := s.metrics.DeleteOldMetrics(ctx, cutoffByPipeline)
	if err != nil {
		return 0, domain.NewError(domain.KindDatabaseError, "delete old metrics", err)
	}

	if err := s.metrics.SetLastCleanupAt(ctx, now); err != nil {
		logi.Ctx(ctx).Error("record last cleanup time failed", "error", err)
	}
	return deleted, nil
}

func (s *Service) resolvePipelineIDs(ctx context.Context, pipelineID *string) ([]string, error) {
	if pipelineID != nil {
		return []string{*pipelineID}, nil
	}
	providers, err := s.config.ListProviders(ctx)
	if err != nil {
		return nil, domain.NewError(domain.KindDatabaseError, "list providers", err)
	}
	var ids []string
	for _, p := range providers {
		pipelines, err := s.cache.ListPipelinesByProvider(ctx, p.ID)
		if err != nil {
			return nil, domain.NewError(domain.KindDatabaseError, "list pipelines", err)
		}
		for _, pl := range pipelines {
			ids = append(ids, pl.ID)
		}
	}
	return ids, nil
}

// LastCleanupAt returns the timestamp of the last successful retention
// sweep, for surfacing in an operations view.
func (s *Service) LastCleanupAt(ctx context.Context) (time.Time, error) {
	at, err := s.metrics.GetLastCleanupAt(ctx)
	if err != nil {
		return time.Time{}, domain.NewError(domain.KindDatabaseError, "load last cleanup time", err)
	}
	return at, nil
}
