package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal tracks finished account runs by final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofollow_runs_total",
			Help: "Total number of account runs by status",
		},
		[]string{"status"},
	)

	// StepsTotal tracks step outcomes
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofollow_steps_total",
			Help: "Total number of workflow steps by outcome",
		},
		[]string{"step", "status"},
	)

	// StepAttemptFailures tracks failed attempts per step and error kind
	StepAttemptFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofollow_step_attempt_failures_total",
			Help: "Total number of failed step attempts",
		},
		[]string{"step", "kind", "category"},
	)

	// StepDuration tracks step wall time including retries
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autofollow_step_duration_seconds",
			Help:    "Step duration in seconds, retries included",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"step"},
	)

	// BatchDuration tracks orchestrator invocation wall time
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autofollow_batch_duration_seconds",
			Help:    "Batch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// SessionsOpen tracks sessions currently held by workers
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofollow_sessions_open",
			Help: "Number of sessions currently open",
		},
	)

	// EngineLaunches tracks engine launches by result
	EngineLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofollow_engine_launches_total",
			Help: "Total number of engine launches",
		},
		[]string{"result"},
	)

	// SessionCacheHits tracks cached session reuse
	SessionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofollow_session_cache_total",
			Help: "Cached session lookups by result",
		},
		[]string{"result"}, // restored, stale, miss
	)

	// DBConnectionPoolUsage tracks database connection pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofollow_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
