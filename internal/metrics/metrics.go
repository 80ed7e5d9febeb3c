// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executor_executions_total",
			Help: "Total number of finished executions",
		},
		[]string{"language", "outcome"}, // outcome: "accepted", "wrong_answer", "run", or an error kind
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_executor_execution_duration_ms",
			Help:    "Execution duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language", "phase"}, // phase: "build", "run", "total"
	)

	SandboxRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executor_sandbox_runs_total",
			Help: "Sandbox invocations by result",
		},
		[]string{"result"}, // result: "exited", "timeout", "error"
	)

	SandboxesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_executor_sandboxes_active",
			Help: "Number of sandbox containers currently alive",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_executor_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_executor_queue_depth",
			Help: "Current number of executions waiting for a worker",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_executor_active_workers",
			Help: "Number of workers currently processing executions",
		},
	)

	CallbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_executor_callback_failures_total",
			Help: "Status callbacks that could not be delivered",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_executor_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)
