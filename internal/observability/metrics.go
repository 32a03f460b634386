package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// ExecRequests counts exec.run outcomes.
	// Labels: host (sandbox|gateway|node), status (completed|running|approval-pending|denied|failed)
	ExecRequests *prometheus.CounterVec

	// ExecDuration measures how long exec.run calls block the caller.
	// Labels: host
	ExecDuration *prometheus.HistogramVec

	// RiskTiers counts classified commands by tier.
	RiskTiers *prometheus.CounterVec

	// Approvals counts approval transitions.
	// Labels: state (pending|approved|rejected|expired)
	Approvals *prometheus.CounterVec

	PendingApprovals prometheus.Gauge
	RunningSessions  prometheus.Gauge

	// RBACDenials counts rejected RPC calls.
	// Labels: method
	RBACDenials *prometheus.CounterVec

	// PanicAborts counts runs cancelled by system.panic.
	PanicAborts prometheus.Counter

	// DroppedEvents counts best-effort events dropped for slow subscribers.
	DroppedEvents prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ExecRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_exec_requests_total",
				Help: "Total number of exec requests by host and status",
			},
			[]string{"host", "status"},
		),
		ExecDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_exec_request_duration_seconds",
				Help:    "Duration of exec requests in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"host"},
		),
		RiskTiers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_exec_risk_tier_total",
				Help: "Total number of classified commands by risk tier",
			},
			[]string{"tier"},
		),
		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_exec_approvals_total",
				Help: "Total number of approval records by state",
			},
			[]string{"state"},
		),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_exec_pending_approvals",
			Help: "Current number of pending approvals",
		}),
		RunningSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_exec_running_sessions",
			Help: "Current number of running exec sessions",
		}),
		RBACDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_exec_rbac_denials_total",
				Help: "Total number of RPC calls rejected by authorization",
			},
			[]string{"method"},
		),
		PanicAborts: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_exec_panic_aborts_total",
			Help: "Total number of runs aborted by the global panic",
		}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexus_exec_dropped_events_total",
			Help: "Total number of best-effort events dropped",
		}),
	}
}

// RecordExec records one exec.run result.
func (m *Metrics) RecordExec(host, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ExecRequests.WithLabelValues(host, status).Inc()
	m.ExecDuration.WithLabelValues(host).Observe(durationSeconds)
}

// RecordRiskTier counts a classification.
func (m *Metrics) RecordRiskTier(tier int) {
	if m == nil {
		return
	}
	m.RiskTiers.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// RecordApproval counts an approval transition and updates the pending gauge.
func (m *Metrics) RecordApproval(state string, pending int) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(state).Inc()
	m.PendingApprovals.Set(float64(pending))
}

// SetPendingApprovals updates the pending approvals gauge.
func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.PendingApprovals.Set(float64(n))
}

// SetRunningSessions updates the running sessions gauge.
func (m *Metrics) SetRunningSessions(n int) {
	if m == nil {
		return
	}
	m.RunningSessions.Set(float64(n))
}

// RecordRBACDenial counts a rejected call.
func (m *Metrics) RecordRBACDenial(method string) {
	if m == nil {
		return
	}
	m.RBACDenials.WithLabelValues(method).Inc()
}

// RecordPanic counts runs cancelled by a global abort.
func (m *Metrics) RecordPanic(aborted int) {
	if m == nil || aborted <= 0 {
		return
	}
	m.PanicAborts.Add(float64(aborted))
}

// RecordDroppedEvent counts one dropped best-effort event.
func (m *Metrics) RecordDroppedEvent() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}
