package types

import (
	"context"
	"time"
)

// RiskBand buckets the observed fraud risk of the rolling window.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskModerate RiskBand = "moderate"
	RiskHigh     RiskBand = "high"
)

// ConsensusParameters gate finalization. Recomputed on a cooldown, never
// mid-request; readers always see the last fully-committed value.
type ConsensusParameters struct {
	RequiredAgreementPercent  int      `json:"required_agreement_percent"`
	RecommendedValidatorCount int      `json:"recommended_validator_count"`
	TargetFinalityMs          int64    `json:"target_finality_ms"`
	ObservedFraudRisk         float64  `json:"observed_fraud_risk"` // [0,1]
	Band                      RiskBand `json:"band"`
	// ShouldAdjust is set when the recompute changed the required threshold
	// relative to the previous parameters.
	ShouldAdjust bool      `json:"should_adjust"`
	ComputedAt   time.Time `json:"computed_at"`
}

// IConsensusOptimizer recomputes the attestation agreement threshold and
// target finality from aggregate fraud risk.
type IConsensusOptimizer interface {
	// Recompute refuses to run inside the cooldown and returns the cached
	// parameters instead.
	Recompute(ctx context.Context) ConsensusParameters

	// Current returns the last committed parameters without side effects.
	Current() ConsensusParameters

	// Observe feeds one evaluation outcome into the rolling risk window.
	Observe(flagged bool)
}
