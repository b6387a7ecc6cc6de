// Package metrics exposes decision-core counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantdesk/decision-core/pkg/types"
)

// Metrics holds the prometheus collectors for the decision core.
type Metrics struct {
	DecisionsTotal    *prometheus.CounterVec
	EpochsSkipped     *prometheus.CounterVec
	OverridesTotal    *prometheus.CounterVec
	EntriesRejected   *prometheus.CounterVec
	TradesClosed      *prometheus.CounterVec
	TradesLiquidated  prometheus.Counter
	OpenTrades        prometheus.Gauge
	RegimeGauge       *prometheus.GaugeVec
	AdvisoryTimeouts  prometheus.Counter
	KillSwitchEngaged prometheus.Gauge
}

// New registers and returns the metric set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_core_decisions_total",
			Help: "Routing decisions made, by regime.",
		}, []string{"regime"}),
		EpochsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_core_epochs_skipped_total",
			Help: "Decision epochs skipped, by reason.",
		}, []string{"reason"}),
		OverridesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_core_advisory_overrides_total",
			Help: "Advisory overrides, by outcome (applied/rejected).",
		}, []string{"outcome"}),
		EntriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_core_entries_rejected_total",
			Help: "Trade entries rejected, by reason.",
		}, []string{"reason"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "decision_core_trades_closed_total",
			Help: "Trades closed, by exit reason.",
		}, []string{"reason"}),
		TradesLiquidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decision_core_trades_liquidated_total",
			Help: "Trades force-liquidated.",
		}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decision_core_open_trades",
			Help: "Currently open virtual trades.",
		}),
		RegimeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "decision_core_regime",
			Help: "Current regime per instrument (1 = active).",
		}, []string{"instrument", "regime"}),
		AdvisoryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "decision_core_advisory_timeouts_total",
			Help: "Advisory provider timeouts or failures.",
		}),
		KillSwitchEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "decision_core_kill_switch_engaged",
			Help: "1 while the kill switch is engaged.",
		}),
	}

	reg.MustRegister(
		m.DecisionsTotal, m.EpochsSkipped, m.OverridesTotal,
		m.EntriesRejected, m.TradesClosed, m.TradesLiquidated,
		m.OpenTrades, m.RegimeGauge, m.AdvisoryTimeouts,
		m.KillSwitchEngaged,
	)
	return m
}

// SetRegime points the per-instrument regime gauge at one label.
func (m *Metrics) SetRegime(instrument string, regime types.Regime) {
	for _, r := range []types.Regime{
		types.RegimeBull, types.RegimeBear, types.RegimeSideways,
		types.RegimeVolatile, types.RegimeEventDriven,
	} {
		v := 0.0
		if r == regime {
			v = 1.0
		}
		m.RegimeGauge.WithLabelValues(instrument, string(r)).Set(v)
	}
}
