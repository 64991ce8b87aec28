// Package metrics holds the Prometheus collectors for the visibility engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RouterDecisions counts lane assignments by provider and lane.
	RouterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_router_decisions_total",
		Help: "Provider lane assignments by provider and lane",
	}, []string{"provider", "lane"})

	// JobsClaimed counts successful claims by provider.
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_jobs_claimed_total",
		Help: "Acquisition jobs claimed by provider",
	}, []string{"provider"})

	// JobTransitions counts completion outcomes by provider and transition.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_job_transitions_total",
		Help: "Acquisition job completion transitions by provider",
	}, []string{"provider", "transition"})

	// QueueFallbacks counts reads served from the awaiting-unit scan.
	QueueFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "visibility_queue_fallback_total",
		Help: "Claimable reads served by the awaiting-unit scan",
	})

	// ConsecutiveErrors tracks the ledger error streak per provider.
	ConsecutiveErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visibility_ledger_consecutive_errors",
		Help: "Consecutive acquisition failures per provider",
	}, []string{"provider"})

	// TrialDuration tracks acquisition latency.
	TrialDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visibility_trial_duration_seconds",
		Help:    "Trial acquisition duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
	}, []string{"provider", "mode"})

	// Trials counts trials by provider, mode and outcome.
	Trials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_trials_total",
		Help: "Trials by provider, mode and outcome",
	}, []string{"provider", "mode", "outcome"})

	// Verdicts counts finalized verdicts by presence level.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_verdicts_total",
		Help: "Ensemble verdicts by provider and presence level",
	}, []string{"provider", "presence"})

	// Hallucinations counts detected discrepancies by severity.
	Hallucinations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_hallucinations_total",
		Help: "Detected hallucinations by severity",
	}, []string{"severity"})

	// CompletionCalls counts completion-service calls by use and outcome.
	CompletionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visibility_completion_calls_total",
		Help: "Completion service calls by use and outcome",
	}, []string{"use", "outcome"})

	// QueueDepth reports pending and claimed jobs from the last health check.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "visibility_queue_depth",
		Help: "Jobs by status at the last health check",
	}, []string{"status"})
)
