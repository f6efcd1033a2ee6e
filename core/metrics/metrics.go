// Package metrics exposes prometheus instruments for the bridge decision
// layer. Call Register once with the process registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_requests_submitted_total",
			Help: "Total number of accepted bridge request submissions",
		},
	)

	RequestsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_finalized_total",
			Help: "Requests reaching a terminal state, by outcome",
		},
		[]string{"outcome"},
	)

	ReplayRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_replay_rejections_total",
			Help: "Submissions and attestations rejected as fingerprint replays",
		},
	)

	ProviderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_risk_provider_failures_total",
			Help: "Risk provider calls that timed out or errored",
		},
		[]string{"provider"},
	)

	FallbackEvaluationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_fraud_fallback_evaluations_total",
			Help: "Evaluations served from the historical fallback",
		},
	)

	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bridge_fraud_evaluation_duration_seconds",
			Help:    "Duration of fraud engine evaluations",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgreementThresholdPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_consensus_agreement_threshold_percent",
			Help: "Current required attestation agreement threshold",
		},
	)

	ObservedFraudRisk = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_consensus_observed_fraud_risk",
			Help: "Observed fraud risk over the rolling window (0-1)",
		},
	)

	ActiveValidators = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_active_validators",
			Help: "Number of active validators in the registry",
		},
	)
)

// Register attaches every instrument to the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsSubmittedTotal,
		RequestsFinalizedTotal,
		ReplayRejectionsTotal,
		ProviderFailuresTotal,
		FallbackEvaluationsTotal,
		EvaluationDuration,
		AgreementThresholdPercent,
		ObservedFraudRisk,
		ActiveValidators,
	)
}
