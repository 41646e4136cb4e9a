// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Analysis pipeline
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_analyses_total",
			Help: "Total number of entity analyses by entity type",
		},
		[]string{"entity_type"},
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_analysis_duration_seconds",
			Help:    "Duration of a full analysis (extract, detect, score, flag)",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"entity_type"},
	)

	OverallScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_overall_score",
			Help:    "Distribution of overall ensemble risk scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"entity_type"},
	)

	// Detectors
	DetectorScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_detector_score",
			Help:    "Distribution of per-detector scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"detector"},
	)

	DetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_detector_failures_total",
			Help: "Total number of detector runs that panicked and were zero-scored",
		},
		[]string{"detector"},
	)

	OutlierRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_outlier_retrains_total",
			Help: "Total number of outlier model refits",
		},
		[]string{"detector"},
	)

	// Flagging
	FlagDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_flag_decisions_total",
			Help: "Total number of flag decisions by action",
		},
		[]string{"action"},
	)

	ActiveBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_active_blocks",
			Help: "Current number of entities with an active block",
		},
	)

	FlagCallbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_flag_callback_failures_total",
			Help: "Total number of flag callbacks that failed",
		},
	)

	// Ingestion
	IngestedSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_ingested_signals_total",
			Help: "Total number of signals consumed from the bus by kind and status",
		},
		[]string{"kind", "status"},
	)

	TrackedEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_tracked_entities",
			Help: "Current number of entities with signal history",
		},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// ObserveAnalysis records one completed analysis.
func ObserveAnalysis(entityType string, score float64, d time.Duration) {
	AnalysesTotal.WithLabelValues(entityType).Inc()
	AnalysisDuration.WithLabelValues(entityType).Observe(d.Seconds())
	OverallScore.WithLabelValues(entityType).Observe(score)
}
