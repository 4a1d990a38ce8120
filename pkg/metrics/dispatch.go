package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "engage"

// DispatchMetrics counts campaign delivery outcomes.
type DispatchMetrics struct {
	deliveries *prometheus.CounterVec
	runs       *prometheus.CounterVec
	claims     *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Per-recipient delivery attempts by channel and result.",
	}, []string{"channel", "result"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_runs_total",
		Help:      "Dispatch invocations by terminal outcome.",
	}, []string{"kind", "outcome"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claims_total",
		Help:      "Claim attempts by result.",
	}, []string{"result"})
	reg.MustRegister(deliveries, runs, claims)
	return &DispatchMetrics{deliveries: deliveries, runs: runs, claims: claims}
}

func (m *DispatchMetrics) Delivery(channel, result string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(channel), normalizeLabel(result)).Inc()
}

func (m *DispatchMetrics) Run(kind, outcome string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}

func (m *DispatchMetrics) Claim(result string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(normalizeLabel(result)).Inc()
}
