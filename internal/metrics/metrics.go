// Package metrics exposes sync engine and push workflow telemetry through
// a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pushdash"

// Collector records sync and push metrics. It implements engine.Metrics
// and push.Metrics.
type Collector struct {
	registry *prometheus.Registry

	// Sync metrics
	snapshots     *prometheus.CounterVec
	mirrorDocs    *prometheus.GaugeVec
	subFailures   *prometheus.CounterVec
	seedRecords   *prometheus.CounterVec
	seedFailures  *prometheus.CounterVec
	readyDuration prometheus.Histogram

	// Push metrics
	pushOutcomes *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "snapshots_total",
			Help:      "Snapshots applied to a mirror",
		},
		[]string{"spec"},
	)

	c.mirrorDocs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "mirror_documents",
			Help:      "Documents currently held by a mirror",
		},
		[]string{"spec"},
	)

	c.subFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "subscription_failures_total",
			Help:      "Subscription errors delivered to a mirror",
		},
		[]string{"spec"},
	)

	c.seedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "seed_records_total",
			Help:      "Default records written into empty targets",
		},
		[]string{"spec"},
	)

	c.seedFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "seed_failures_total",
			Help:      "Failed seed writes",
		},
		[]string{"spec"},
	)

	c.readyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ready_duration_seconds",
			Help:      "Time from engine start until every spec reported",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	c.pushOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "outcomes_total",
			Help:      "Finished push workflows by outcome",
		},
		[]string{"outcome"},
	)

	c.registry.MustRegister(
		c.snapshots,
		c.mirrorDocs,
		c.subFailures,
		c.seedRecords,
		c.seedFailures,
		c.readyDuration,
		c.pushOutcomes,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SnapshotApplied records a data snapshot and the mirror's new size.
func (c *Collector) SnapshotApplied(spec string, docs int) {
	c.snapshots.WithLabelValues(spec).Inc()
	c.mirrorDocs.WithLabelValues(spec).Set(float64(docs))
}

// SubscriptionFailed records a subscription error.
func (c *Collector) SubscriptionFailed(spec string) {
	c.subFailures.WithLabelValues(spec).Inc()
}

// SeedWritten records a successful seed.
func (c *Collector) SeedWritten(spec string, records int) {
	c.seedRecords.WithLabelValues(spec).Add(float64(records))
}

// SeedFailed records a failed seed.
func (c *Collector) SeedFailed(spec string) {
	c.seedFailures.WithLabelValues(spec).Inc()
}

// Ready records how long the engine took to become ready.
func (c *Collector) Ready(elapsed time.Duration) {
	c.readyDuration.Observe(elapsed.Seconds())
}

// PushOutcome records a finished push workflow.
func (c *Collector) PushOutcome(outcome string) {
	c.pushOutcomes.WithLabelValues(outcome).Inc()
}
