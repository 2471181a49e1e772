package metricsengine

import (
	"context"
	"testing"
	"time"

	"github.com/worldline-go/types"

	"github.com/kestrelci/pipeforge/internal/domain"
	"github.com/kestrelci/pipeforge/internal/eventbus"
	"github.com/kestrelci/pipeforge/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Memory) {
	t.Helper()
	mem := memory.New()
	if err := mem.PutGlobalMetricsConfig(context.Background(), domain.MetricsConfig{Enabled: true, RetentionDays: 90}); err != nil {
		t.Fatalf("seed global config: %v", err)
	}
	return New(mem, mem, mem, eventbus.New()), mem
}

func TestExtractAndStoreMetricsEmitsBuiltins(t *testing.T) {
	svc, mem := newTestService(t)
	now := time.Now().UTC()

	runs := []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 1, Status: "success", StartedAt: now.Add(-time.Minute), DurationSecs: types.Null[int64]{Valid: true, V: 42}},
	}

	inserted, err := svc.ExtractAndStoreMetrics(context.Background(), "p1", runs)
	if err != nil {
		t.Fatalf("ExtractAndStoreMetrics: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("expected 3 samples (run_count, success_rate, run_duration), got %d", inserted)
	}

	count, err := mem.CountSamples(context.Background(), "p1")
	if err != nil || count != 3 {
		t.Fatalf("got %d samples, err %v", count, err)
	}

	state, err := mem.GetProcessingState(context.Background(), "p1")
	if err != nil || state.LastProcessedRun != 1 {
		t.Fatalf("expected watermark advanced to 1, got %+v err %v", state, err)
	}
}

func TestExtractAndStoreMetricsSkipsAlreadyProcessedRuns(t *testing.T) {
	svc, mem := newTestService(t)
	now := time.Now().UTC()
	if err := mem.AdvanceProcessingState(context.Background(), "p1", 5); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	runs := []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 5, Status: "success", StartedAt: now},
		{PipelineID: "p1", RunNumber: 3, Status: "success", StartedAt: now},
	}
	inserted, err := svc.ExtractAndStoreMetrics(context.Background(), "p1", runs)
	if err != nil {
		t.Fatalf("ExtractAndStoreMetrics: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 inserted for already-processed runs, got %d", inserted)
	}
}

func TestExtractAndStoreMetricsDisabledPipeline(t *testing.T) {
	svc, mem := newTestService(t)
	if err := mem.PutMetricsConfig(context.Background(), "p1", domain.MetricsConfig{Enabled: false}); err != nil {
		t.Fatalf("seed pipeline override: %v", err)
	}

	inserted, err := svc.ExtractAndStoreMetrics(context.Background(), "p1", []domain.PipelineRun{
		{PipelineID: "p1", RunNumber: 1, Status: "success", StartedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("ExtractAndStoreMetrics: %v", err)
	}
	if inserted != 0 {
		t.Fatalf("expected 0 when disabled, got %d", inserted)
	}
}

func TestExtractAndStoreMetricsIsAtMostOnce(t *testing.T) {
	svc, mem := newTestService(t)
	run := domain.PipelineRun{PipelineID: "p1", RunNumber: 1, Status: "success", StartedAt: time.Now()}

	if _, err := svc.ExtractAndStoreMetrics(context.Background(), "p1", []domain.PipelineRun{run}); err != nil {
		t.Fatalf("first extraction: %v", err)
	}
	if err := mem.ResetProcessingState(context.Background(), "p1"); err != nil {
		t.Fatalf("reset watermark: %v", err)
	}
	// Re-extracting the same run after a watermark reset must not double
	// count samples thanks to the store's unique-constraint drop.
	if _, err := svc.ExtractAndStoreMetrics(context.Background(), "p1", []domain.PipelineRun{run}); err != nil {
		t.Fatalf("second extraction: %v", err)
	}

	count, err := mem.CountSamples(context.Background(), "p1")
	if err != nil || count != 2 { // run_count + success_rate, no duplicate
		t.Fatalf("expected 2 deduplicated samples, got %d err %v", count, err)
	}
}

func TestCheckProcessingStateCorruption(t *testing.T) {
	svc, mem := newTestService(t)
	if err := mem.AdvanceProcessingState(context.Background(), "p1", 10); err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	corrupt, err := svc.CheckProcessingStateCorruption(context.Background(), "p1")
	if err != nil {
		t.Fatalf("CheckProcessingStateCorruption: %v", err)
	}
	if !corrupt {
		t.Fatal("expected corruption: watermark advanced with zero samples")
	}

	reset, err := svc.ResetAllCorruptedStates(context.Background())
	if err != nil {
		t.Fatalf("ResetAllCorruptedStates: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset, got %d", reset)
	}

	state, _ := mem.GetProcessingState(context.Background(), "p1")
	if state.LastProcessedRun != 0 {
		t.Fatalf("expected watermark cleared, got %d", state.LastProcessedRun)
	}
}

func TestQueryAggregatedPercentile(t *testing.T) {
	svc, mem := newTestService(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	values := []float64{10, 20, 30, 40, 50}
	var samples []domain.MetricsSample
	for i, v := range values {
		samples = append(samples, domain.MetricsSample{
			PipelineID: "p1", RunNumber: int64(i + 1), Timestamp: base, MetricKind: string(domain.MetricRunDuration), Value: v,
		})
	}
	if _, err := mem.InsertSamples(context.Background(), samples); err != nil {
		t.Fatalf("seed samples: %v", err)
	}

	points, err := svc.QueryAggregated(context.Background(), domain.MetricsQuery{
		PipelineID: "p1", MetricKind: string(domain.MetricRunDuration),
		Period: domain.PeriodDaily, Type: domain.AggP95,
		From: base.Add(-time.Hour), To: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("QueryAggregated: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(points))
	}
	// p95 over [10,20,30,40,50]: rank = 0.95*4 = 3.8 -> interpolate between index 3 (40) and 4 (50)
	want := 40 + (50-40)*0.8
	if diff := points[0].Value - want; diff > 0.001 || diff < -0.001 {
		t.Fatalf("got %v, want %v", points[0].Value, want)
	}
}

func TestDeleteOldMetricsRespectsRetention(t *testing.T) {
	svc, mem := newTestService(t)
	old := time.Now().AddDate(0, 0, -200)
	recent := time.Now().AddDate(0, 0, -1)
	if _, err := mem.InsertSamples(context.Background(), []domain.MetricsSample{
		{PipelineID: "p1", RunNumber: 1, Timestamp: old, MetricKind: string(domain.MetricRunCount), Value: 1},
		{PipelineID: "p1", RunNumber: 2, Timestamp: recent, MetricKind: string(domain.MetricRunCount), Value: 1},
	}); err != nil {
		t.Fatalf("seed samples: %v", err)
	}

	deleted, err := svc.DeleteOldMetrics(context.Background(), nil)
	if err != nil {
		t.Fatalf("DeleteOldMetrics: %v", err)
	}
	// global config has no pipelines registered via CacheStore in this test,
	// so resolvePipelineIDs(nil) finds none and nothing is deleted — verifies
	// the explicit-pipeline path instead.
	if deleted != 0 {
		t.Fatalf("expected 0 with no enumerable pipelines, got %d", deleted)
	}

	pid := "p1"
	deleted, err = svc.DeleteOldMetrics(context.Background(), &pid)
	if err != nil {
		t.Fatalf("DeleteOldMetrics(p1): %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted (the 200-day-old sample), got %d", deleted)
	}
}
