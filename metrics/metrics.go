// Package metrics declares the prometheus collectors for the content
// resolver, the catalog cache and the reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const ns = "audex"

var (
	protocolBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}
	waitBuckets     = []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300}
)

// Measures groups every collector exported by the node.
var Measures = struct {
	ProtocolOutcomes *prometheus.CounterVec
	ProtocolDuration *prometheus.HistogramVec
	ProtocolAttempts *prometheus.HistogramVec
	ConfirmationWait prometheus.Histogram
	ResolverBytes    prometheus.Counter
	ResolverResults  *prometheus.CounterVec
	CatalogEvents    *prometheus.CounterVec
	CatalogEntries   prometheus.Gauge
	FeedReconnects   prometheus.Counter
}{
	ProtocolOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "protocol_outcomes_total",
		Help:      "Terminal outcomes of publish/purchase/relist protocols.",
	}, []string{"protocol", "state"}),
	ProtocolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "protocol_duration_seconds",
		Help:      "Wall time from request to terminal state.",
		Buckets:   protocolBuckets,
	}, []string{"protocol"}),
	ProtocolAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "protocol_ledger_attempts",
		Help:      "Ledger submissions and confirmation waits per protocol instance.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	}, []string{"protocol"}),
	ConfirmationWait: prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "confirmation_wait_seconds",
		Help:      "Time spent in a single confirmation-depth wait.",
		Buckets:   waitBuckets,
	}),
	ResolverBytes: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "resolver_bytes_total",
		Help:      "Bytes written to the content store by the resolver.",
	}),
	ResolverResults: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "resolver_results_total",
		Help:      "Resolve calls by result (stored, deduplicated, rejected, unavailable).",
	}, []string{"result"}),
	CatalogEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "catalog_events_total",
		Help:      "Feed events seen by the catalog cache by result (applied, discarded, invalidated).",
	}, []string{"result"}),
	CatalogEntries: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "catalog_entries",
		Help:      "Listings held by the catalog cache.",
	}),
	FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "ledger_feed_reconnects_total",
		Help:      "Times the ledger event subscription was re-established.",
	}),
}

// Register adds every collector to r.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		Measures.ProtocolOutcomes,
		Measures.ProtocolDuration,
		Measures.ProtocolAttempts,
		Measures.ConfirmationWait,
		Measures.ResolverBytes,
		Measures.ResolverResults,
		Measures.CatalogEvents,
		Measures.CatalogEntries,
		Measures.FeedReconnects,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
