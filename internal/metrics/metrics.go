// Package metrics exposes Prometheus instruments for the cache engine and
// the sync coordinator on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	cacheLookups   *prometheus.CounterVec
	cacheStoreFail *prometheus.CounterVec
	revalidations  *prometheus.CounterVec
	syncAttempts   *prometheus.CounterVec
	syncPasses     *prometheus.CounterVec
	passDuration   prometheus.Histogram
	pendingEntries prometheus.Gauge
	eventsDropped  prometheus.Counter
	online         prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diarysync_cache_lookups_total",
			Help: "Cache engine lookups by resource class and outcome",
		}, []string{"class", "result"}),
		cacheStoreFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diarysync_cache_store_failures_total",
			Help: "Local store errors swallowed by the cache engine",
		}, []string{"op"}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diarysync_cache_revalidations_total",
			Help: "Background revalidations by outcome",
		}, []string{"result"}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diarysync_sync_attempts_total",
			Help: "Entry delivery attempts by outcome",
		}, []string{"result"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "diarysync_sync_passes_total",
			Help: "Sync passes by trigger",
		}, []string{"trigger"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "diarysync_sync_pass_duration_seconds",
			Help:    "Duration of a sync pass",
			Buckets: prometheus.DefBuckets,
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diarysync_pending_entries",
			Help: "Entries not yet delivered",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "diarysync_events_dropped_total",
			Help: "Sync events dropped because a subscriber was not reading",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "diarysync_online",
			Help: "1 while the backend is reachable",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.cacheStoreFail,
		m.revalidations,
		m.syncAttempts,
		m.syncPasses,
		m.passDuration,
		m.pendingEntries,
		m.eventsDropped,
		m.online,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The recorders below accept a nil receiver so components can run without
// metrics in tests.

func (m *Metrics) CacheLookup(class, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(class, result).Inc()
}

func (m *Metrics) CacheStoreFailure(op string) {
	if m == nil {
		return
	}
	m.cacheStoreFail.WithLabelValues(op).Inc()
}

func (m *Metrics) Revalidation(result string) {
	if m == nil {
		return
	}
	m.revalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) SyncAttempt(result string) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SyncPass(trigger string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(trigger).Inc()
	m.passDuration.Observe(d.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(n))
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
