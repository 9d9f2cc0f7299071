// Package metrics holds the Prometheus registry for the controller and a
// JSON snapshot derived from it for the ops endpoints.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every collector the controller emits. All metrics live
// on a private Prometheus registry so the process exposes exactly this
// set and tests can build registries freely.
type Registry struct {
	reg *prometheus.Registry

	CycleDuration prometheus.Histogram
	CycleErrors   prometheus.Counter
	Cycles        prometheus.Counter

	EntriesAdmitted *prometheus.CounterVec
	EntryRejects    *prometheus.CounterVec
	Exits           *prometheus.CounterVec
	TrailAmends     prometheus.Counter
	OrderUpdates    *prometheus.CounterVec
	ReconcileFixes  *prometheus.CounterVec

	ActivePositions prometheus.Gauge
	FeedConnected   prometheus.Gauge
	DailyRealized   prometheus.Gauge
}

// NewRegistry builds and registers the controller metric set.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autosentry_cycle_duration_seconds",
			Help:    "Duration of one risk loop cycle in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autosentry_cycle_errors_total",
			Help: "Total errors swallowed inside risk loop cycles",
		}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autosentry_cycles_total",
			Help: "Total risk loop cycles executed",
		}),

		EntriesAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosentry_entries_total",
			Help: "Total admitted entries by index",
		}, []string{"index"}),
		EntryRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosentry_entry_rejects_total",
			Help: "Total rejected entry attempts by reason",
		}, []string{"reason"}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosentry_exits_total",
			Help: "Total finalized exits by kind",
		}, []string{"kind"}),
		TrailAmends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autosentry_trailing_amendments_total",
			Help: "Total protective stop amendments",
		}),
		OrderUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosentry_order_updates_total",
			Help: "Total order updates applied by outcome",
		}, []string{"outcome"}),
		ReconcileFixes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autosentry_reconcile_fixes_total",
			Help: "Total reconciliation repairs by kind",
		}, []string{"kind"}),

		ActivePositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosentry_active_positions",
			Help: "Positions currently held",
		}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosentry_feed_connected",
			Help: "1 when the market feed websocket is connected",
		}),
		DailyRealized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autosentry_daily_realized_pnl_rupees",
			Help: "Realized PnL booked today in rupees",
		}),
	}

	r.reg.MustRegister(
		r.CycleDuration,
		r.CycleErrors,
		r.Cycles,
		r.EntriesAdmitted,
		r.EntryRejects,
		r.Exits,
		r.TrailAmends,
		r.OrderUpdates,
		r.ReconcileFixes,
		r.ActivePositions,
		r.FeedConnected,
		r.DailyRealized,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCycle records one risk loop pass. It is shaped to hang off the
// manager's OnCycle hook; exits are counted by ExitHook at finalization,
// not here.
func (r *Registry) ObserveCycle(duration time.Duration, positions, trails, errors int) {
	r.Cycles.Inc()
	r.CycleDuration.Observe(duration.Seconds())
	r.ActivePositions.Set(float64(positions))
	for i := 0; i < trails; i++ {
		r.TrailAmends.Inc()
	}
	for i := 0; i < errors; i++ {
		r.CycleErrors.Inc()
	}
}

// EntryAdmittedHook records one admitted entry.
func (r *Registry) EntryAdmittedHook(indexKey string) {
	r.EntriesAdmitted.WithLabelValues(indexKey).Inc()
}

// EntryRejectHook matches the entry guard's OnReject signature.
func (r *Registry) EntryRejectHook(reason string) {
	r.EntryRejects.WithLabelValues(reason).Inc()
}

// ExitHook records one finalized exit by kind.
func (r *Registry) ExitHook(kind string) {
	r.Exits.WithLabelValues(kind).Inc()
}

// OrderUpdateHook matches the order handler's OnApplied signature.
func (r *Registry) OrderUpdateHook(outcome string) {
	r.OrderUpdates.WithLabelValues(outcome).Inc()
}

// ReconcileFixHook matches the reconciler's OnFix signature.
func (r *Registry) ReconcileFixHook(kind string) {
	r.ReconcileFixes.WithLabelValues(kind).Inc()
}

// SetFeedConnected flips the feed connectivity gauge.
func (r *Registry) SetFeedConnected(connected bool) {
	if connected {
		r.FeedConnected.Set(1)
		return
	}
	r.FeedConnected.Set(0)
}

// Snapshot renders the registry as a JSON-friendly map for /health and
// the status CLI. Label sets collapse to "name{label=value}" keys.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		flatten(mf, out)
	}
	return out
}

func flatten(mf *dto.MetricFamily, out map[string]float64) {
	for _, m := range mf.GetMetric() {
		name := mf.GetName()
		for _, lp := range m.GetLabel() {
			name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
		}
		switch {
		case m.GetCounter() != nil:
			out[name] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			out[name] = m.GetGauge().GetValue()
		case m.GetHistogram() != nil:
			out[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
			out[name+"_sum"] = m.GetHistogram().GetSampleSum()
		}
	}
}
