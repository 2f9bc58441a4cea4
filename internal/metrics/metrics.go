// Package metrics declares the prometheus collectors shared by the vote,
// ranking and background job code.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "notehub"

var VotesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "votes",
	Name:      "recorded_total",
	Help:      "Votes accepted by the aggregator, by outcome.",
}, []string{"outcome"})

var LedgerWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "write_failures_total",
	Help:      "Vote upserts that failed against the ledger and await reconciliation.",
})

var CounterStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "counter_store",
	Name:      "errors_total",
	Help:      "Counter store operations that failed, by operation.",
}, []string{"op"})

var DegradedVotes = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "votes",
	Name:      "degraded_total",
	Help:      "Votes answered from the ledger because the counter store failed.",
})

var RankingFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ranking",
	Name:      "fallbacks_total",
	Help:      "Ranked pages computed from the ledger, by reason.",
}, []string{"reason"})

var ReconcileNotes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "notes_total",
	Help:      "Notes rewritten by reconciliation, by result.",
}, []string{"result"})

var ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "pass_duration_seconds",
	Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
})

var ReconcileLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "last_success_timestamp_seconds",
})

var HistoryPruned = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "history",
	Name:      "pruned_total",
	Help:      "Edit history snapshots deleted by the retention sweep.",
})

var JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "runs_total",
}, []string{"job", "result"})

// NewRegistry returns a registry with every notehub collector plus the Go and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		VotesRecorded,
		LedgerWriteFailures,
		CounterStoreErrors,
		DegradedVotes,
		RankingFallbacks,
		ReconcileNotes,
		ReconcileDuration,
		ReconcileLastSuccess,
		HistoryPruned,
		JobRuns,
	)
	return reg
}
