// Package memory is an in-memory Store implementation: a map-backed fake
// used by tests and by the "memory" storage backend for local demos.
// Data does not survive process restarts. Grounded on the teacher's own
// internal/store/memory/memory.go (map-per-entity, sync.RWMutex,
// slices.SortFunc for deterministic listing).
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/vault"
	"github.com/rakunlabs/logi"
)

type Memory struct {
	mu sync.RWMutex

	providers   map[int64]domain.Provider
	nextProvID  int64
	permissions map[int64]domain.PermissionStatus
	tablePrefs  map[string]map[string]any // "providerID|tableID" -> preferences
	records     map[int64]vault.Record

	pipelines map[string]domain.Pipeline                // id -> pipeline
	runs      map[string]map[int64]domain.PipelineRun   // pipelineID -> runNumber -> run
	params    map[string]domain.WorkflowParameterList   // workflowID -> params

	samples     []domain.MetricsSample
	procState   map[string]domain.ProcessingState
	metricsCfg  map[string]domain.MetricsConfig
	globalCfg   domain.MetricsConfig
	lastCleanup time.Time
}

func New() *Memory {
	logi.Default().Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		providers:   make(map[int64]domain.Provider),
		permissions: make(map[int64]domain.PermissionStatus),
		tablePrefs:  make(map[string]map[string]any),
		records:     make(map[int64]vault.Record),
		pipelines:   make(map[string]domain.Pipeline),
		runs:        make(map[string]map[int64]domain.PipelineRun),
		params:      make(map[string]domain.WorkflowParameterList),
		procState:   make(map[string]domain.ProcessingState),
		metricsCfg:  make(map[string]domain.MetricsConfig),
		globalCfg:   domain.MetricsConfig{Enabled: true, RetentionDays: 90},
	}
}

func (m *Memory) Close() {}

// ─── vault.RecordStore ───

func (m *Memory) ListRecords(_ context.Context) ([]vault.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]vault.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) PutRecord(_ context.Context, r vault.Record) error {
	m.mu.Lock()
	m.records[r.ProviderID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRecord(_ context.Context, providerID int64) error {
	m.mu.Lock()
	delete(m.records, providerID)
	m.mu.Unlock()
	return nil
}

// ─── ConfigStore: providers ───

func (m *Memory) CreateProvider(_ context.Context, p domain.Provider) (*domain.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.providers {
		if existing.Name == p.Name {
			return nil, domain.NewError(domain.KindInvalidConfig, fmt.Sprintf("provider name %q already in use", p.Name), nil)
		}
	}

	m.nextProvID++
	p.ID = m.nextProvID
	p.Version = 1
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.LastFetchStatus == "" {
		p.LastFetchStatus = domain.FetchStatusNever
	}
	m.providers[p.ID] = p

	out := p
	return &out, nil
}

func (m *Memory) GetProvider(_ context.Context, id int64) (*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) GetProviderByName(_ context.Context, name string) (*domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.providers {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListProviders(_ context.Context) ([]domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Provider) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (m *Memory) UpdateWithVersion(_ context.Context, id int64, p domain.Provider, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.providers[id]
	if !ok || existing.Version != expectedVersion {
		return false, nil
	}

	p.ID = id
	p.Version = existing.Version + 1
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.LastFetchStatus = existing.LastFetchStatus
	p.LastFetchError = existing.LastFetchError
	p.LastFetchAt = existing.LastFetchAt
	m.providers[id] = p
	return true, nil
}

func (m *Memory) UpdateFetchStatus(_ context.Context, id int64, status domain.FetchStatus, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil
	}
	p.LastFetchStatus = status
	if errMsg != "" {
		p.LastFetchError.Valid, p.LastFetchError.V = true, errMsg
	} else {
		p.LastFetchError.Valid = false
	}
	p.LastFetchAt.Valid = true
	p.LastFetchAt.V.Time = at
	m.providers[id] = p
	return nil
}

func (m *Memory) DeleteProvider(_ context.Context, id int64) error {
	m.mu.Lock()
	delete(m.providers, id)
	delete(m.permissions, id)
	for k := range m.tablePrefs {
		if strings.HasPrefix(k, fmt.Sprintf("%d|", id)) {
			delete(m.tablePrefs, k)
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutPermissions(_ context.Context, providerID int64, perms domain.PermissionStatus) error {
	m.mu.Lock()
	m.permissions[providerID] = perms
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetPermissions(_ context.Context, providerID int64) (*domain.PermissionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.permissions[providerID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func tablePrefKey(providerID int64, tableID string) string {
	return fmt.Sprintf("%d|%s", providerID, tableID)
}

func (m *Memory) PutTablePreferences(_ context.Context, providerID int64, tableID string, prefs map[string]any) error {
	m.mu.Lock()
	m.tablePrefs[tablePrefKey(providerID, tableID)] = prefs
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetTablePreferences(_ context.Context, providerID int64, tableID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tablePrefs[tablePrefKey(providerID, tableID)], nil
}

func (m *Memory) ExportProviders(_ context.Context) ([]domain.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) ImportProviders(ctx context.Context, providers []domain.Provider) (map[int64]int64, error) {
	remap := make(map[int64]int64, len(providers))
	for _, p := range providers {
		oldID := p.ID
		created, err := m.CreateProvider(ctx, p)
		if err != nil {
			return nil, err
		}
		remap[oldID] = created.ID
	}
	return remap, nil
}

// ─── CacheStore: pipelines ───

func (m *Memory) UpdatePipelinesCache(_ context.Context, providerID int64, pipelines []domain.Pipeline) (int, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := make(map[string]domain.Pipeline, len(pipelines))
	for _, p := range pipelines {
		incoming[p.ID] = p
	}

	var newCount, changedCount, deletedCount int

	for id, existing := range m.pipelines {
		if existing.ProviderID != providerID {
			continue
		}
		if _, ok := incoming[id]; !ok {
			delete(m.pipelines, id)
			deletedCount++
		}
	}

	for id, p := range incoming {
		existing, ok := m.pipelines[id]
		if !ok {
			p.LastUpdatedAt = time.Now().UTC()
			m.pipelines[id] = p
			newCount++
			continue
		}
		if existing.Status != p.Status || existing.LastRunAt != p.LastRunAt || existing.Name != p.Name ||
			existing.ProviderID != p.ProviderID || existing.ProviderType != p.ProviderType {
			p.LastUpdatedAt = time.Now().UTC()
			m.pipelines[id] = p
			changedCount++
		}
	}

	return newCount, changedCount, deletedCount, nil
}

func (m *Memory) GetPipeline(_ context.Context, id string) (*domain.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) ListPipelinesByProvider(_ context.Context, providerID int64) ([]domain.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Pipeline
	for _, p := range m.pipelines {
		if p.ProviderID == providerID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.Pipeline) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) DeletePipelinesByProvider(_ context.Context, providerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pipelines {
		if p.ProviderID == providerID {
			delete(m.pipelines, id)
			delete(m.runs, id)
		}
	}
	return nil
}

// ─── CacheStore: runs ───

func (m *Memory) GetCachedRunsWithHashes(_ context.Context, pipelineID string) (map[int64]domain.CachedRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]domain.CachedRun, len(m.runs[pipelineID]))
	for num, run := range m.runs[pipelineID] {
		out[num] = domain.CachedRun{Run: run, Hash: run.RunHash}
	}
	return out, nil
}

func (m *Memory) MergeRunCache(_ context.Context, pipelineID string, newRuns, changedRuns []domain.PipelineRun, deletedRunNumbers []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byPipeline, ok := m.runs[pipelineID]
	if !ok {
		byPipeline = make(map[int64]domain.PipelineRun)
		m.runs[pipelineID] = byPipeline
	}
	for _, r := range newRuns {
		byPipeline[r.RunNumber] = r
	}
	for _, r := range changedRuns {
		byPipeline[r.RunNumber] = r
	}
	for _, num := range deletedRunNumbers {
		delete(byPipeline, num)
	}
	return nil
}

func (m *Memory) ListCachedRuns(_ context.Context, pipelineID string, limit, offset int) ([]domain.PipelineRun, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]domain.PipelineRun, 0, len(m.runs[pipelineID]))
	for _, r := range m.runs[pipelineID] {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunNumber > runs[j].RunNumber })

	total := len(runs)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total || limit <= 0 {
		end = total
	}
	return runs[offset:end], total, nil
}

func (m *Memory) PurgeRunCache(_ context.Context, pipelineID string) error {
	m.mu.Lock()
	delete(m.runs, pipelineID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteRunsByPipeline(ctx context.Context, pipelineID string) error {
	return m.PurgeRunCache(ctx, pipelineID)
}

// ─── CacheStore: workflow parameters ───

func (m *Memory) UpsertWorkflowParameters(_ context.Context, params domain.WorkflowParameterList) error {
	m.mu.Lock()
	params.CachedAt = time.Now().UTC()
	m.params[params.WorkflowID] = params
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetWorkflowParameters(_ context.Context, workflowID string) (*domain.WorkflowParameterList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.params[workflowID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) PurgeWorkflowParametersByPipelinePrefix(_ context.Context, pipelineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.params {
		if strings.HasPrefix(id, pipelineID) {
			delete(m.params, id)
		}
	}
	return nil
}

// ─── MetricsStore ───

func (m *Memory) InsertSamples(_ context.Context, samples []domain.MetricsSample) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]struct{}, len(m.samples))
	for _, s := range m.samples {
		existing[metricKey(s)] = struct{}{}
	}

	inserted := 0
	for _, s := range samples {
		k := metricKey(s)
		if _, dup := existing[k]; dup {
			continue
		}
		existing[k] = struct{}{}
		m.samples = append(m.samples, s)
		inserted++
	}
	return inserted, nil
}

func metricKey(s domain.MetricsSample) string {
	return fmt.Sprintf("%s|%d|%s", s.PipelineID, s.RunNumber, s.MetricKind)
}

func (m *Memory) Query(_ context.Context, q domain.MetricsQuery) ([]domain.MetricsSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.MetricsSample
	for _, s := range m.samples {
		if !matchesQuery(s, q) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesQuery(s domain.MetricsSample, q domain.MetricsQuery) bool {
	if q.PipelineID != "" && s.PipelineID != q.PipelineID {
		return false
	}
	if q.MetricKind != "" && s.MetricKind != q.MetricKind {
		return false
	}
	if !q.From.IsZero() && s.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && s.Timestamp.After(q.To) {
		return false
	}
	return true
}

// QueryAggregatedPushdown computes only the non-percentile aggregations;
// percentile types are the engine's job (internal/metricsengine), mirroring
// the spec's "non-percentile aggregations push down to the storage backend".
func (m *Memory) QueryAggregatedPushdown(ctx context.Context, q domain.MetricsQuery) ([]domain.AggregatedPoint, error) {
	samples, err := m.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	buckets := make(map[time.Time][]float64)
	for _, s := range samples {
		b := bucketStart(s.Timestamp, q.Period)
		buckets[b] = append(buckets[b], s.Value)
	}

	out := make([]domain.AggregatedPoint, 0, len(buckets))
	for start, values := range buckets {
		out = append(out, domain.AggregatedPoint{
			BucketStart: start,
			Value:       aggregate(values, q.Type),
			SampleCount: len(values),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
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

func aggregate(values []float64, typ domain.AggregationType) float64 {
	if len(values) == 0 {
		return 0
	}
	switch typ {
	case domain.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case domain.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case domain.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default: // avg; percentiles are recomputed by the engine from raw Query results
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

func (m *Memory) GetProcessingState(_ context.Context, pipelineID string) (*domain.ProcessingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.procState[pipelineID]
	if !ok {
		return &domain.ProcessingState{PipelineID: pipelineID}, nil
	}
	return &s, nil
}

func (m *Memory) AdvanceProcessingState(_ context.Context, pipelineID string, runNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.procState[pipelineID]
	if runNumber <= s.LastProcessedRun {
		return nil // concurrent extraction lost the race on the watermark; no-op
	}
	s.PipelineID = pipelineID
	s.LastProcessedRun = runNumber
	s.LastProcessedAt.Valid = true
	s.LastProcessedAt.V.Time = time.Now().UTC()
	m.procState[pipelineID] = s
	return nil
}

func (m *Memory) ResetProcessingState(_ context.Context, pipelineID string) error {
	m.mu.Lock()
	delete(m.procState, pipelineID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListCorruptedProcessingStates(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range m.samples {
		counts[s.PipelineID]++
	}

	var out []string
	for id, state := range m.procState {
		if state.LastProcessedRun > 0 && counts[id] == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) CountSamples(_ context.Context, pipelineID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.samples {
		if s.PipelineID == pipelineID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetMetricsConfig(_ context.Context, pipelineID string) (*domain.MetricsConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.metricsCfg[pipelineID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) PutMetricsConfig(_ context.Context, pipelineID string, cfg domain.MetricsConfig) error {
	m.mu.Lock()
	m.metricsCfg[pipelineID] = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetGlobalMetricsConfig(_ context.Context) (domain.MetricsConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalCfg, nil
}

func (m *Memory) PutGlobalMetricsConfig(_ context.Context, cfg domain.MetricsConfig) error {
	m.mu.Lock()
	m.globalCfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteOldMetrics(_ context.Context, cutoffByPipeline map[string]time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.samples[:0]
	deleted := 0
	for _, s := range m.samples {
		cutoff, ok := cutoffByPipeline[s.PipelineID]
		if ok && s.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return deleted, nil
}

func (m *Memory) GetLastCleanupAt(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCleanup, nil
}

func (m *Memory) SetLastCleanupAt(_ context.Context, at time.Time) error {
	m.mu.Lock()
	m.lastCleanup = at
	m.mu.Unlock()
	return nil
}
