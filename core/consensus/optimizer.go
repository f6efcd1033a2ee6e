// Package consensus recomputes the attestation agreement threshold and
// target finality latency from the aggregate fraud risk the ledger observes.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/logging"
	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/types"
)

// Risk band boundaries over the rolling window's flagged share.
const (
	lowRiskBelow      = 0.15
	moderateRiskBelow = 0.40
)

// bandParameters maps each risk band to its threshold/finality pair. Low
// risk runs loose and fast; high risk runs strict and slow.
func bandParameters(band types.RiskBand) (agreementPercent int, validatorCount int, finalityMs int64) {
	switch band {
	case types.RiskLow:
		return 67, 5, 12_000
	case types.RiskModerate:
		return 75, 7, 30_000
	default:
		return 85, 9, 60_000
	}
}

// Optimizer is the single writer of consensus parameters. Readers always
// see the last fully-committed value.
type Optimizer struct {
	mu            sync.RWMutex
	current       types.ConsensusParameters
	lastRecompute time.Time

	cooldown time.Duration
	window   *window
	notifier notify.Notifier
	now      func() time.Time
	logger   *zap.Logger
}

var _ types.IConsensusOptimizer = (*Optimizer)(nil)

// NewOptimizerOptions contains options for creating an Optimizer.
type NewOptimizerOptions struct {
	// Cooldown spaces recomputes; calls inside it return cached parameters.
	Cooldown time.Duration
	// WindowSize is the rolling evaluation window length.
	WindowSize int
	// Notifier receives a change event when the threshold actually moves.
	Notifier notify.Notifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewOptimizer creates an optimizer seeded with the low-risk band.
func NewOptimizer(options NewOptimizerOptions) (*Optimizer, error) {
	if options.Cooldown <= 0 {
		return nil, errors.New("cooldown must be positive")
	}
	if options.WindowSize <= 0 {
		return nil, errors.New("window size must be positive")
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	agreement, validators, finality := bandParameters(types.RiskLow)
	o := &Optimizer{
		cooldown: options.Cooldown,
		window:   newWindow(options.WindowSize),
		notifier: options.Notifier,
		now:      now,
		logger:   logging.Named("consensus"),
		current: types.ConsensusParameters{
			RequiredAgreementPercent:  agreement,
			RecommendedValidatorCount: validators,
			TargetFinalityMs:          finality,
			Band:                      types.RiskLow,
			ComputedAt:                now(),
		},
	}
	metrics.AgreementThresholdPercent.Set(float64(agreement))
	return o, nil
}

// Observe feeds one evaluation outcome into the rolling risk window.
func (o *Optimizer) Observe(flagged bool) {
	o.mu.Lock()
	o.window.push(flagged)
	o.mu.Unlock()
}

// Current returns the last committed parameters without side effects.
func (o *Optimizer) Current() types.ConsensusParameters {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Recompute maps the observed fraud risk to a parameter band. Inside the
// cooldown it is a no-op returning the cached parameters. A change event is
// published only when the required threshold actually moved.
func (o *Optimizer) Recompute(ctx context.Context) types.ConsensusParameters {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	if !o.lastRecompute.IsZero() && now.Sub(o.lastRecompute) < o.cooldown {
		return o.current
	}
	o.lastRecompute = now

	risk := o.window.flaggedShare()
	band := bandFor(risk)
	agreement, validators, finality := bandParameters(band)

	prev := o.current
	o.current = types.ConsensusParameters{
		RequiredAgreementPercent:  agreement,
		RecommendedValidatorCount: validators,
		TargetFinalityMs:          finality,
		ObservedFraudRisk:         risk,
		Band:                      band,
		ShouldAdjust:              agreement != prev.RequiredAgreementPercent,
		ComputedAt:                now,
	}

	metrics.AgreementThresholdPercent.Set(float64(agreement))
	metrics.ObservedFraudRisk.Set(risk)

	if o.current.ShouldAdjust {
		o.logger.Info("consensus threshold adjusted",
			zap.Int("from", prev.RequiredAgreementPercent),
			zap.Int("to", agreement),
			zap.Float64("observed_risk", risk),
			zap.String("band", string(band)))
		if o.notifier != nil {
			// Publishing under the lock is acceptable: the bus is
			// non-blocking and recompute is rare.
			_ = o.notifier.Publish(ctx, notify.Event{
				Type:      notify.EventConsensusAdjusted,
				Threshold: agreement,
				Risk:      risk,
				At:        now,
			})
		}
	}
	return o.current
}

func bandFor(risk float64) types.RiskBand {
	switch {
	case risk < lowRiskBelow:
		return types.RiskLow
	case risk < moderateRiskBelow:
		return types.RiskModerate
	default:
		return types.RiskHigh
	}
}
