// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so callers never need to guard instrumentation sites.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	PulledRecords     prometheus.Counter
	PushedEntries     *prometheus.CounterVec
	ConflictsResolved prometheus.Counter
	RejectionsTotal   prometheus.Counter
	PendingEntries    prometheus.Gauge
	CycleDuration     prometheus.Histogram
}

// New registers the engine collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		PulledRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "pulled_records_total",
			Help:      "Records applied from pull pages.",
		}),
		PushedEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "pushed_entries_total",
			Help:      "Pushed change entries by server status.",
		}, []string{"status"}),
		ConflictsResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "conflicts_resolved_total",
			Help:      "Conflicts merged during pull application.",
		}),
		RejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "rejections_total",
			Help:      "Entries permanently rejected by the server.",
		}),
		PendingEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tether",
			Name:      "pending_entries",
			Help:      "Unconfirmed entries in the local change log.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of full pull-merge-push cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveCycle records one completed cycle with its outcome label.
func (m *Metrics) ObserveCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(seconds)
}

// AddPulled records applied pull records.
func (m *Metrics) AddPulled(n int) {
	if m == nil {
		return
	}
	m.PulledRecords.Add(float64(n))
}

// AddPushed records per-status push results.
func (m *Metrics) AddPushed(status string, n int) {
	if m == nil {
		return
	}
	m.PushedEntries.WithLabelValues(status).Add(float64(n))
}

// IncConflict records one resolved conflict.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.ConflictsResolved.Inc()
}

// IncRejection records one permanent server rejection.
func (m *Metrics) IncRejection() {
	if m == nil {
		return
	}
	m.RejectionsTotal.Inc()
}

// SetPending records the current unconfirmed entry count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingEntries.Set(float64(n))
}
