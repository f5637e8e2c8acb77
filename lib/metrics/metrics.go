// Package metrics holds the Prometheus collectors of the deeds services. They are served at /metrics when the
// services are started with the -m flag.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChainCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeds_chain_calls_total",
		Help: "Total number of calls to the blockchain node, labelled by method and status.",
	}, []string{"method", "status"})

	ChainCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deeds_chain_call_duration_seconds",
		Help:    "Latency of the calls to the blockchain node.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	ReconcileResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeds_reconcile_results_total",
		Help: "Total number of object refreshes, labelled by object kind and result.",
	}, []string{"kind", "result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeds_events_published_total",
		Help: "Total number of domain events published, labelled by event name.",
	}, []string{"event"})

	EventsDrained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeds_events_drained_total",
		Help: "Total number of persisted events consumed from other instances.",
	})

	ListenerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeds_listener_errors_total",
		Help: "Total number of event listener failures, labelled by listener.",
	}, []string{"listener"})

	LockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deeds_lock_timeouts_total",
		Help: "Total number of advisory lock waits that timed out, labelled by lock.",
	}, []string{"lock"})

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeds_tokens_issued_total",
		Help: "Total number of challenge tokens created.",
	})

	TokensLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deeds_tokens_live",
		Help: "Current number of challenge tokens held in memory.",
	})

	RewardsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeds_rewards_computed_total",
		Help: "Total number of weekly reward computations persisted.",
	})

	ScannerHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deeds_scanner_last_block",
		Help: "Last block scanned by the indexer.",
	})
)

// Status returns the status label of a call result.
func Status(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
