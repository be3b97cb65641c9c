// Package metrics exposes Prometheus instruments for the offline layer.
// A nil *Collector is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Replay outcomes.
const (
	OutcomeReplayed = "replayed"
	OutcomeFailed   = "failed"
	OutcomeUnknown  = "unknown"
	OutcomeDead     = "dead"
)

// Collector holds the instruments.
type Collector struct {
	cacheLoads     *prometheus.CounterVec
	storageFaults  *prometheus.CounterVec
	actionsQueued  *prometheus.CounterVec
	replays        *prometheus.CounterVec
	drainDuration  prometheus.Histogram
	pendingActions prometheus.Gauge
	syncing        prometheus.Gauge
	online         prometheus.Gauge
}

// NewCollector creates the instruments and registers them with reg. A nil
// reg registers with prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_loads_total",
			Help:      "Dataset loads by the source that answered them.",
		}, []string{"source"}),
		storageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_faults_total",
			Help:      "Local storage operations that failed.",
		}, []string{"op"}),
		actionsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_enqueued_total",
			Help:      "Actions appended to the pending queue.",
		}, []string{"type"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Queued action replays by outcome.",
		}, []string{"outcome"}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drains that ran.",
			Buckets:   prometheus.DefBuckets,
		}),
		pendingActions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_actions",
			Help:      "Actions waiting for replay.",
		}),
		syncing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "syncing",
			Help:      "1 while a drain is running.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the client believes it is online.",
		}),
	}
	reg.MustRegister(
		c.cacheLoads,
		c.storageFaults,
		c.actionsQueued,
		c.replays,
		c.drainDuration,
		c.pendingActions,
		c.syncing,
		c.online,
	)
	return c
}

// CacheLoad counts a dataset load answered by source.
func (c *Collector) CacheLoad(source string) {
	if c == nil {
		return
	}
	c.cacheLoads.WithLabelValues(source).Inc()
}

// StorageFault counts a failed store operation.
func (c *Collector) StorageFault(op string) {
	if c == nil {
		return
	}
	c.storageFaults.WithLabelValues(op).Inc()
}

// ActionEnqueued counts an appended action.
func (c *Collector) ActionEnqueued(actionType string) {
	if c == nil {
		return
	}
	c.actionsQueued.WithLabelValues(actionType).Inc()
}

// Replay counts one replay attempt by outcome.
func (c *Collector) Replay(outcome string) {
	if c == nil {
		return
	}
	c.replays.WithLabelValues(outcome).Inc()
}

// ObserveDrain records the duration of a drain.
func (c *Collector) ObserveDrain(d time.Duration) {
	if c == nil {
		return
	}
	c.drainDuration.Observe(d.Seconds())
}

// SetPending sets the pending queue depth.
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pendingActions.Set(float64(n))
}

// SetSyncing records whether a drain is running.
func (c *Collector) SetSyncing(v bool) {
	if c == nil {
		return
	}
	c.syncing.Set(boolToFloat(v))
}

// SetOnline records the connectivity state.
func (c *Collector) SetOnline(v bool) {
	if c == nil {
		return
	}
	c.online.Set(boolToFloat(v))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
