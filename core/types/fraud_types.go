package types

import (
	"context"
	"time"
)

// Score bounds shared by fraud and trust scores.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// FlagReason explains why an actor profile was flagged. The fraud-score and
// risk-assessment reasons are tracked separately.
type FlagReason string

const (
	FlagNone           FlagReason = ""
	FlagFraudScore     FlagReason = "fraud_score_exceeds_limit"
	FlagRiskAssessment FlagReason = "risk_assessment_exceeds_limit"
	FlagManual         FlagReason = "manual_review"
)

// ActorProfile accumulates per-actor behavior. Counters are monotonic and
// never rolled back.
type ActorProfile struct {
	Actor             string     `json:"actor"`
	TotalActions      int64      `json:"total_actions"`
	SuspiciousActions int64      `json:"suspicious_actions"`
	LastActionAt      time.Time  `json:"last_action_at"`
	Flagged           bool       `json:"flagged"`
	FlagReason        FlagReason `json:"flag_reason,omitempty"`
}

// RiskContext carries what a provider needs to score one request or action.
type RiskContext struct {
	RequestID uint64 `json:"request_id,omitempty"`
	Action    string `json:"action"`
	Amount    string `json:"amount,omitempty"`
	Asset     string `json:"asset,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// RiskAssessment is a single provider's verdict.
type RiskAssessment struct {
	FraudScore       float64 `json:"fraud_score"`
	TrustScore       float64 `json:"trust_score"`
	PredictedOutcome float64 `json:"predicted_outcome"`
	Confidence       float64 `json:"confidence"`
}

// RiskProvider is an external risk-estimation service. Analyze must respect
// the context deadline; the engine never waits past its configured timeout.
// Implementations return ErrProviderUnavailable when the backing service
// cannot be reached.
type RiskProvider interface {
	Name() string
	Analyze(ctx context.Context, actor string, rc RiskContext) (*RiskAssessment, error)
}

// FraudAnalysis is the engine's combined verdict, retained for audit.
type FraudAnalysis struct {
	ID         string  `json:"id"`
	Actor      string  `json:"actor"`
	FraudScore float64 `json:"fraud_score"` // [0,100]
	TrustScore float64 `json:"trust_score"` // [0,100]
	IsValid    bool    `json:"is_valid"`
	Confidence float64 `json:"confidence"` // [0,100]
	Reason     string  `json:"reason"`
	// Providers counts how many providers contributed to the combination;
	// zero means the historical fallback was used.
	Providers int       `json:"providers"`
	CreatedAt time.Time `json:"created_at"`
}

// IFraudEngine combines provider verdicts into one analysis per evaluated
// request or action and keeps actor profiles current.
type IFraudEngine interface {
	// Evaluate always returns an analysis within the provider timeout bound:
	// unreachable providers cost confidence, and with none responding the
	// actor's rolling historical average is used at minimum confidence.
	Evaluate(ctx context.Context, actor string, rc RiskContext) (*FraudAnalysis, error)

	// ListAnalyses returns retained analyses for an actor, newest first.
	ListAnalyses(ctx context.Context, actor string, limit int) ([]FraudAnalysis, error)
}

// IProfileStore owns the actor profile collection.
type IProfileStore interface {
	GetProfile(ctx context.Context, actor string) (*ActorProfile, error)
	// FlagActor issues a manual flag with an explanatory reason.
	FlagActor(ctx context.Context, actor string, reason FlagReason) error
}
