package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Gate decisions.
const (
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
	DecisionUnknown = "unknown_allowed"
	DecisionMissing = "missing_identity"
	DecisionError   = "error"
)

// Report results.
const (
	ResultSkipped   = "skipped"
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultBuried    = "dead_lettered"
)

// Metrics holds the collectors for the metering hooks. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gateDecisions     *prometheus.CounterVec
	usageReports      *prometheus.CounterVec
	billingDuration   *prometheus.HistogramVec
	staleBalance      prometheus.Counter
	outboxRedelivered *prometheus.CounterVec
}

// New registers the collectors on registerer, or on the default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moneta_gate_decisions_total",
			Help: "Balance gate decisions by outcome.",
		}, []string{"decision"}),
		usageReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moneta_usage_reports_total",
			Help: "Usage reports by result.",
		}, []string{"result"}),
		billingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moneta_billing_request_duration_seconds",
			Help:    "Latency of event submissions to the billing engine.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status"}),
		staleBalance: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moneta_stale_balance_total",
			Help: "Delivered events whose response carried no remaining usage.",
		}),
		outboxRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moneta_outbox_redeliveries_total",
			Help: "Outbox redelivery attempts by result.",
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.gateDecisions,
		m.usageReports,
		m.billingDuration,
		m.staleBalance,
		m.outboxRedelivered,
	)
	return m
}

func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) UsageReport(result string) {
	if m == nil {
		return
	}
	m.usageReports.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBilling(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.billingDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) StaleBalance() {
	if m == nil {
		return
	}
	m.staleBalance.Inc()
}

func (m *Metrics) OutboxRedelivery(result string) {
	if m == nil {
		return
	}
	m.outboxRedelivered.WithLabelValues(result).Inc()
}
