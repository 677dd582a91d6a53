// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_moves_total",
			Help: "Total number of stage move requests by outcome",
		},
		[]string{"from", "to", "result"},
	)

	PipelineMoveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_move_duration_seconds",
			Help:    "Duration of the stage move transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	ApplicationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_applications_created_total",
			Help: "Total number of applications created through intake",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events delivered per sink",
		},
		[]string{"sink"},
	)

	OutboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_failures_total",
			Help: "Total number of outbox delivery failures per sink",
		},
		[]string{"sink"},
	)

	OutboxParked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_parked_total",
			Help: "Total number of outbox events that exhausted their attempts",
		},
	)

	SSESubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_sse_subscribers",
			Help: "Number of connected change stream clients",
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)
)
