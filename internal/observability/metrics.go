// Package observability provides Prometheus metrics instrumentation for the
// workflow engine.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelinesAdmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_pipelines_admitted_total",
			Help: "Total number of pipelines admitted to the job list",
		},
	)

	pipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_pipeline_executions_total",
			Help: "Total number of pipeline executions by terminal reason",
		},
		[]string{"reason"}, // SUCCEEDED, FAILED, TIMEOUT, EXCEPTION, KILLED
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_pipeline_duration_seconds",
			Help:    "Pipeline wall-clock duration in seconds, dispatch to finish",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"reason"},
	)
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_run_executions_total",
			Help: "Total number of run executions by outcome",
		},
		[]string{"outcome"}, // succeeded, failed, timeout, killed, exception
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_run_duration_seconds",
			Help:    "Run wall-clock duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"outcome"},
	)
)

// =============================================================================
// SCHEDULER METRICS
// =============================================================================

var freeNodesGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "workflow_free_nodes",
		Help: "Number of compute nodes currently unallocated against the budget",
	},
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineAdmitted increments the admission counter.
func RecordPipelineAdmitted() {
	pipelinesAdmittedTotal.Inc()
}

// RecordPipelineStarted is a hook kept for symmetry with RecordPipelineFinished;
// pipeline start itself has no duration to record yet.
func RecordPipelineStarted() {}

// RecordPipelineFinished records a terminal pipeline outcome. durationSeconds
// is measured from dispatch (when the scheduler started it) to finish, not
// from admission, since a pipeline may sit queued for a while first.
func RecordPipelineFinished(reason string, durationSeconds float64) {
	pipelineExecutionsTotal.WithLabelValues(reason).Inc()
	pipelineDurationSeconds.WithLabelValues(reason).Observe(durationSeconds)
}

// RecordRunFinished records one run's terminal outcome and wall-clock time.
func RecordRunFinished(outcome string, durationSeconds float64) {
	runExecutionsTotal.WithLabelValues(outcome).Inc()
	runDurationSeconds.WithLabelValues(outcome).Observe(durationSeconds)
}

// SetFreeNodes updates the free-node gauge. Called by the Runner at
// construction and whenever nodes are dispatched or released.
func SetFreeNodes(n float64) {
	freeNodesGauge.Set(n)
}

// ServeBackground starts a best-effort /metrics HTTP listener on addr. Bind
// failures are logged, not fatal: scraping is an optional, ambient concern
// and must never block engine shutdown.
func ServeBackground(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics listener stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
