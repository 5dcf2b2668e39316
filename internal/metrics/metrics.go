package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, registered on the default registry and served from /metrics.
var (
	GenerationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeframe_generations_started_total",
		Help: "Generations started, by coding type.",
	}, []string{"coding_type"})

	GenerationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeframe_generations_completed_total",
		Help: "Generations that reached completed status.",
	})

	GenerationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codeframe_generations_failed_total",
		Help: "Generations that reached failed status.",
	})

	ClusterTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeframe_cluster_tasks_total",
		Help: "Cluster generation tasks processed, by outcome (ok, retried, failed, duplicate).",
	}, []string{"outcome"})

	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codeframe_external_call_duration_seconds",
		Help:    "Latency of AI service calls, by endpoint.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"endpoint"})

	AppliedAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codeframe_apply_assignments_total",
		Help: "Apply-engine outcomes per answer (assigned, pending).",
	}, []string{"outcome"})
)
