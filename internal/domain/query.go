package domain

import "time"

// CachedRun pairs a cached run with the fingerprint it was stored under,
// so the diff engine can compare without re-hashing the cache side.
type CachedRun struct {
	Run  PipelineRun
	Hash string
}

// MetricsQuery filters raw samples (Query) or aggregated points
// (QueryAggregated). Period/Type are only meaningful for aggregation.
type MetricsQuery struct {
	PipelineID string
	MetricKind string
	From       time.Time
	To         time.Time
	Limit      int
	Period     AggregationPeriod
	Type       AggregationType
}

// AggregatedPoint is one bucketed statistic from query_aggregated.
type AggregatedPoint struct {
	BucketStart time.Time
	Value       float64
	SampleCount int
}
