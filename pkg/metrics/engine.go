package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records settlement, payout, and intake activity.
type EngineMetrics struct {
	settlements *prometheus.CounterVec
	payouts     *prometheus.CounterVec
	events      *prometheus.CounterVec
	dlqDepth    prometheus.Gauge
}

// NewEngineMetrics registers the engine metrics on the provided registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	if reg == nil {
		return &EngineMetrics{}
	}
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Settled bookings by outcome.",
	}, []string{"outcome"})
	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payouts_total",
		Help: "Withdrawal requests by outcome.",
	}, []string{"outcome"})
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Inbound payment events by kind and outcome.",
	}, []string{"kind", "outcome"})
	dlqDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlq_depth",
		Help: "Unresolved events currently parked in the dead letter queue.",
	})
	reg.MustRegister(settlements, payouts, events, dlqDepth)
	return &EngineMetrics{
		settlements: settlements,
		payouts:     payouts,
		events:      events,
		dlqDepth:    dlqDepth,
	}
}

// IncSettlement counts one settlement attempt with the given outcome.
func (m *EngineMetrics) IncSettlement(outcome string) {
	if m == nil || m.settlements == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncPayout counts one withdrawal attempt with the given outcome.
func (m *EngineMetrics) IncPayout(outcome string) {
	if m == nil || m.payouts == nil {
		return
	}
	m.payouts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncEvent counts one inbound payment event.
func (m *EngineMetrics) IncEvent(kind, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

// SetDLQDepth reports the current unresolved dead letter count.
func (m *EngineMetrics) SetDLQDepth(depth int64) {
	if m == nil || m.dlqDepth == nil {
		return
	}
	m.dlqDepth.Set(float64(depth))
}
