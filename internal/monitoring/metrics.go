package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

// ExternalAPIMetrics contains all metrics for external API monitoring
type ExternalAPIMetrics struct {
	apiDuration         *prometheus.HistogramVec
	apiCalls            *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
	timeouts            *prometheus.CounterVec
}

// NewExternalAPIMetrics creates a new instance of external API metrics
func NewExternalAPIMetrics() *ExternalAPIMetrics {
	return &ExternalAPIMetrics{
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_settlement_external_api_duration_seconds",
				Help:    "Duration of external API calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api_name", "endpoint", "status"},
		),

		apiCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_external_api_calls_total",
				Help: "Total number of external API calls",
			},
			[]string{"api_name", "status"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "escrow_settlement_circuit_breaker_state",
				Help: "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"api_name"},
		),

		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_external_api_timeouts_total",
				Help: "Total number of external API timeouts",
			},
			[]string{"api_name", "timeout_type"},
		),
	}
}

// MustRegister registers all metrics with the provided registry
func (m *ExternalAPIMetrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		m.apiDuration,
		m.apiCalls,
		m.circuitBreakerState,
		m.timeouts,
	)
}

// RecordAPICall records an API call with duration and status
func (m *ExternalAPIMetrics) RecordAPICall(apiName, endpoint, status string, duration float64) {
	m.apiDuration.WithLabelValues(apiName, endpoint, status).Observe(duration)
	m.apiCalls.WithLabelValues(apiName, status).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func (m *ExternalAPIMetrics) UpdateCircuitBreakerState(apiName string, state gobreaker.State) {
	m.circuitBreakerState.WithLabelValues(apiName).Set(float64(state))
}

// RecordTimeout records a timeout event
func (m *ExternalAPIMetrics) RecordTimeout(apiName, timeoutType string) {
	m.timeouts.WithLabelValues(apiName, timeoutType).Inc()
}

// SettlementMetrics tracks the payment pipeline: status transitions, per-hop
// outcomes and escalations. It satisfies orchestrator.IMetrics.
type SettlementMetrics struct {
	transitions     *prometheus.CounterVec
	hopAttempts     *prometheus.CounterVec
	hopDuration     *prometheus.HistogramVec
	escalations     *prometheus.CounterVec
	paymentsByState *prometheus.GaugeVec
}

func NewSettlementMetrics() *SettlementMetrics {
	return &SettlementMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_status_transitions_total",
				Help: "Payment status transitions",
			},
			[]string{"from", "to"},
		),
		hopAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_hop_attempts_total",
				Help: "Hop attempts by outcome",
			},
			[]string{"hop", "outcome"},
		),
		hopDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_settlement_hop_duration_seconds",
				Help:    "Wall time spent in a hop attempt, including confirmation polling",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600, 900},
			},
			[]string{"hop", "outcome"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_settlement_escalations_total",
				Help: "Payments escalated for operator attention",
			},
			[]string{"class", "hop"},
		),
		paymentsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "escrow_settlement_payments",
				Help: "Payments by status as of the last sweep",
			},
			[]string{"status"},
		),
	}
}

func (m *SettlementMetrics) MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		m.transitions,
		m.hopAttempts,
		m.hopDuration,
		m.escalations,
		m.paymentsByState,
	)
}

func (m *SettlementMetrics) RecordTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *SettlementMetrics) RecordHop(hop, outcome string, duration float64) {
	m.hopAttempts.WithLabelValues(hop, outcome).Inc()
	m.hopDuration.WithLabelValues(hop, outcome).Observe(duration)
}

func (m *SettlementMetrics) RecordEscalation(class, hop string) {
	if hop == "" {
		hop = "none"
	}
	m.escalations.WithLabelValues(class, hop).Inc()
}

// SetStatusCounts replaces the per-status gauge. Statuses missing from counts
// are reported as zero.
func (m *SettlementMetrics) SetStatusCounts(counts map[model.PaymentStatus]int64) {
	for _, status := range model.AllPaymentStatuses {
		m.paymentsByState.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
