package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authguard"

var (
	// RateChecks counts limiter evaluations per counter type and outcome.
	RateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_checks_total",
		Help:      "Rate limiter evaluations by counter type and result.",
	}, []string{"counter_type", "result"})

	// CountersDeleted counts rows removed by explicit counter resets.
	CountersDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counters_deleted_total",
		Help:      "Counter rows removed by explicit resets.",
	}, []string{"counter_type"})

	// NetworkDecisions counts resolver outcomes per tier and action.
	NetworkDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "network_decisions_total",
		Help:      "Network rule resolutions by tier and action.",
	}, []string{"tier", "action"})

	// NetworkRules tracks loaded rules per tier.
	NetworkRules = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "network_rules",
		Help:      "Network rules currently loaded, per tier.",
	}, []string{"tier"})

	// AccessDecisions counts facade outcomes.
	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_decisions_total",
		Help:      "Access checks by outcome and reason.",
	}, []string{"outcome", "reason"})

	// Sweeps counts sweeper runs by status.
	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Expiry sweeper runs by status.",
	}, []string{"status"})

	// SweptRows counts counter rows removed by the sweeper.
	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_rows_total",
		Help:      "Expired counter rows removed by the sweeper.",
	})

	// StoreSizeBytes tracks the counter store's on-disk size.
	StoreSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_size_bytes",
		Help:      "Counter store on-disk file size in bytes.",
	})

	// DecisionsProcessed counts feed decisions that passed the full filter pipeline.
	DecisionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_decisions_processed_total",
		Help:      "Feed decisions that passed the full filter pipeline.",
	}, []string{"action", "origin"})

	// DecisionsFiltered counts feed decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_decisions_filtered_total",
		Help:      "Feed decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded before a worker saw them.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded before processing.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// HTTPDuration records decision API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Decision API request latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"route", "code"})
)
