// Package telemetry exposes Prometheus collectors for the vector store and
// the retrieval pipeline, plus an in-memory query log for interactive
// sessions. Nothing is reported externally unless a caller serves the
// default registry over HTTP.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StageBuckets covers pipeline stages from sub-millisecond sparse scoring
// to multi-second generation calls.
var StageBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// StoreOperations counts collection operations by op and status (ok|error).
	StoreOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportbuddy_store_operations_total",
			Help: "Collection store operations",
		},
		[]string{"op", "status"},
	)

	// StoreReinitializations counts collections reset to empty after a failed load.
	StoreReinitializations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportbuddy_store_reinitializations_total",
			Help: "Collections reinitialized because their files were missing, mismatched or corrupt",
		},
	)

	// PipelineStageDuration records per-stage pipeline latency in seconds.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportbuddy_pipeline_stage_duration_seconds",
			Help:    "Retrieval pipeline stage duration",
			Buckets: StageBuckets,
		},
		[]string{"stage"},
	)

	// PipelineSearches counts searches by status (ok|error).
	PipelineSearches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportbuddy_pipeline_searches_total",
			Help: "Pipeline searches",
		},
		[]string{"status"},
	)

	// RerankFailures counts reranker errors that fell back to fused order.
	RerankFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportbuddy_rerank_failures_total",
			Help: "Reranker failures",
		},
	)

	// GenerationFailures counts generator errors and timeouts.
	GenerationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "supportbuddy_generation_failures_total",
			Help: "Answer generation failures",
		},
	)
)

func init() {
	prometheus.MustRegister(
		StoreOperations,
		StoreReinitializations,
		PipelineStageDuration,
		PipelineSearches,
		RerankFailures,
		GenerationFailures,
	)
}

// ObserveStoreOp counts one store operation.
func ObserveStoreOp(op string, err error) {
	StoreOperations.WithLabelValues(op, status(err)).Inc()
}

// ObserveStage records a stage duration.
func ObserveStage(stage string, d time.Duration) {
	PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveSearch counts one pipeline search.
func ObserveSearch(err error) {
	PipelineSearches.WithLabelValues(status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
