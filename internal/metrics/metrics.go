// Package metrics exposes engine activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/govpower/internal/models"
)

const namespace = "govpower"

// Collector owns a private registry so several engines can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	trackedAddresses prometheus.Gauge
	changes          *prometheus.CounterVec
	upstreamErrors   *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	snapshotHolders  prometheus.Gauge
	gini             prometheus.Gauge
	hhi              prometheus.Gauge
	nakamoto         prometheus.Gauge
	riskLevel        prometheus.Gauge
	alertsSent       prometheus.Counter
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		trackedAddresses: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_addresses",
			Help:      "Number of addresses currently tracked",
		}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "power_changes_total",
			Help:      "Recorded voting power changes by change type",
		}, []string{"change_type"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream balance reads by operation",
		}, []string{"op"}),
		cacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by scope kind",
		}, []string{"kind"}),
		cacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by scope kind",
		}, []string{"kind"}),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_build_seconds",
			Help:      "Time spent building snapshots",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		snapshotHolders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_holders",
			Help:      "Holder count of the latest snapshot",
		}),
		gini: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gini_coefficient",
			Help:      "Gini coefficient of the latest analysed snapshot",
		}),
		hhi: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hhi",
			Help:      "Herfindahl-Hirschman index of the latest analysed snapshot",
		}),
		nakamoto: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nakamoto_coefficient",
			Help:      "Nakamoto coefficient of the latest analysed snapshot",
		}),
		riskLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_level",
			Help:      "Concentration risk of the latest analysed snapshot (0 low to 3 critical)",
		}),
		alertsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Concentration alerts delivered",
		}),
	}
}

func (c *Collector) ChangeRecorded(changeType string) {
	c.changes.WithLabelValues(changeType).Inc()
}

func (c *Collector) UpstreamError(op string) {
	c.upstreamErrors.WithLabelValues(op).Inc()
}

func (c *Collector) TrackedAddresses(n int) {
	c.trackedAddresses.Set(float64(n))
}

func (c *Collector) CacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

func (c *Collector) CacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

func (c *Collector) SnapshotBuilt(d time.Duration, holders int) {
	c.snapshotDuration.Observe(d.Seconds())
	c.snapshotHolders.Set(float64(holders))
}

// ConcentrationComputed publishes the headline metrics of a snapshot.
func (c *Collector) ConcentrationComputed(m models.ConcentrationMetrics) {
	c.gini.Set(m.Gini)
	c.hhi.Set(m.HHI)
	c.nakamoto.Set(float64(m.Nakamoto))
	c.riskLevel.Set(float64(m.Risk.Rank()))
}

func (c *Collector) AlertSent() {
	c.alertsSent.Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
