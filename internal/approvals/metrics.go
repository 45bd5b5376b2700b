package approvals

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts approval traffic. A nil *Metrics records nothing.
type Metrics struct {
	RequestsCreated  *prometheus.CounterVec
	RequestsResolved *prometheus.CounterVec
	AwaitingDecision prometheus.Gauge
	DirectExecutions *prometheus.CounterVec
	GrantsRetired    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_approval_requests_created_total",
			Help: "Approval requests persisted, by popup kind",
		}, []string{"kind"}),
		RequestsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_approval_requests_resolved_total",
			Help: "Approval requests resolved, by popup kind and outcome",
		}, []string{"kind", "outcome"}),
		AwaitingDecision: f.NewGauge(prometheus.GaugeOpts{
			Name: "wallet_approval_requests_awaiting",
			Help: "Requests currently waiting for a user decision",
		}),
		DirectExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_approval_direct_executions_total",
			Help: "Fast path attempts, by result",
		}, []string{"result"}),
		GrantsRetired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_approval_grants_retired_total",
			Help: "Pre-approval grants deleted, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) created(kind string) {
	if m == nil {
		return
	}
	m.RequestsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) resolved(kind, outcome string) {
	if m == nil {
		return
	}
	m.RequestsResolved.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) waiting(delta float64) {
	if m == nil {
		return
	}
	m.AwaitingDecision.Add(delta)
}

func (m *Metrics) direct(result string) {
	if m == nil {
		return
	}
	m.DirectExecutions.WithLabelValues(result).Inc()
}

func (m *Metrics) retired(reason string) {
	if m == nil {
		return
	}
	m.GrantsRetired.WithLabelValues(reason).Inc()
}
