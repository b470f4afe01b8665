// Package metrics provides the collector interface used by the pool and scheduler.
package metrics

// Metric names used throughout the orchestrator.
const (
	// Engine pool metrics.
	MetricEnginesLeased       = "analysis_engines_leased"
	MetricEnginesIdle         = "analysis_engines_idle"
	MetricEngineReplacements  = "analysis_engine_replacements_total"
	MetricEngineSpawnFailures = "analysis_engine_spawn_failures_total"

	// Scheduler metrics.
	MetricQueueDepth       = "analysis_queue_depth"
	MetricGamesAnalyzed    = "analysis_games_analyzed_total"
	MetricGamesFailed      = "analysis_games_failed_total"
	MetricGameRetries      = "analysis_game_retries_total"
	MetricGameDuration     = "analysis_game_duration_seconds"
	MetricJobsAccepted     = "analysis_jobs_accepted_total"
	MetricJobsRejected     = "analysis_jobs_rejected_total"
	MetricJobsCompleted    = "analysis_jobs_completed_total"
	MetricEventsPublished  = "analysis_events_published_total"
	MetricEventsDropped    = "analysis_events_dropped_total"
	MetricSubscribersGauge = "analysis_subscribers"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
