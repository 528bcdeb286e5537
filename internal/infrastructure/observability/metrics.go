package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// ReconciliationEvents counts every event submitted to the coordinator,
	// labelled by delivery path and resulting decision.
	ReconciliationEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_events_total",
			Help: "Reconciliation events by source and decision",
		},
		[]string{"source", "decision"},
	)

	ProviderQueryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "provider_query_failures_total",
			Help: "Provider status queries that failed or timed out",
		},
	)

	// UnresolvedCallbacks counts callbacks whose correlation token did not
	// resolve. Any non-zero value implies a provisioning defect.
	UnresolvedCallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unresolved_callbacks_total",
			Help: "Provider callbacks with an unresolvable correlation token",
		},
	)

	StuckPendingTransactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliation_stuck_pending_total",
			Help: "Transactions pending longer than the configured threshold",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		ReconciliationEvents,
		ProviderQueryFailures,
		UnresolvedCallbacks,
		StuckPendingTransactions,
	)
}
