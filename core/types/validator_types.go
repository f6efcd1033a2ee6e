package types

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/crossmesh/bridgecore/core/util"
)

// Validator is a staked participant eligible to attest transfer requests.
type Validator struct {
	Identity util.EthereumAddress `json:"identity"`
	// AuthType names the signature scheme the validator attests with
	// (e.g. auth.EthPersonalSignAuth).
	AuthType string `json:"auth_type"`
	Stake    string `json:"stake"` // NUMERIC(78,0) as string
	Active   bool   `json:"active"`

	UptimePercent     float64 `json:"uptime_percent"`
	ResponseTimeMs    int64   `json:"response_time_ms"`
	ParticipationRate float64 `json:"participation_rate"`

	// TrustScore in [0,100], recomputed deterministically from the metrics
	// above on every update.
	TrustScore float64 `json:"trust_score"`
	IsOptimal  bool    `json:"is_optimal"`

	TotalProcessed int64   `json:"total_processed"`
	SuccessRate    float64 `json:"success_rate"`

	// PendingAttestations counts requests this validator moved to
	// Processing that have not settled yet. Unregistration requires zero.
	PendingAttestations int `json:"pending_attestations"`

	RegisteredAt time.Time `json:"registered_at"`
}

// RegisterValidatorInput is input for RegisterValidator.
type RegisterValidatorInput struct {
	Identity string `validate:"required"`
	Stake    string `validate:"required"`
	// AuthType defaults to eth personal sign when empty.
	AuthType string
}

// Validate validates the registration input.
func (i *RegisterValidatorInput) Validate() error {
	stake, _, err := apd.NewFromString(i.Stake)
	if err != nil {
		return fmt.Errorf("invalid stake format: %w", err)
	}
	if stake.Negative || stake.IsZero() {
		return fmt.Errorf("stake must be positive, got %s", i.Stake)
	}
	return nil
}

// UpdateMetricsInput is input for UpdateValidatorMetrics.
type UpdateMetricsInput struct {
	Identity          string  `validate:"required"`
	UptimePercent     float64 `validate:"min=0,max=100"`
	ResponseTimeMs    int64   `validate:"min=0"`
	ParticipationRate float64 `validate:"min=0,max=100"`
}

// SlashInput is input for Slash. Fraction is the share of stake removed.
type SlashInput struct {
	Identity string  `validate:"required"`
	Fraction float64 `validate:"gt=0,max=1"`
	Reason   string  `validate:"required"`
}

// IValidatorRegistry owns the validator collection; all mutation funnels
// through it.
type IValidatorRegistry interface {
	// Register stakes and activates a validator.
	Register(ctx context.Context, input RegisterValidatorInput) (*Validator, error)

	// Unregister returns stake and deactivates. Fails while attestations
	// attributable to this validator are still in Processing.
	Unregister(ctx context.Context, identity string) error

	// UpdateMetrics recomputes the trust score from fresh metrics.
	UpdateMetrics(ctx context.Context, input UpdateMetricsInput) (*Validator, error)

	// GetValidator returns a copy of the validator record.
	GetValidator(ctx context.Context, identity string) (*Validator, error)

	// ListValidators returns all validators, active first.
	ListValidators(ctx context.Context) ([]Validator, error)

	// Slash removes a fraction of stake and deactivates the validator when
	// the remainder falls under the minimum.
	Slash(ctx context.Context, input SlashInput) (*Validator, error)
}
