package bridgeclient

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/types"
)

// SubmitRequest records a new transfer intent and escrows the asset.
func (c *Client) SubmitRequest(ctx context.Context, input types.SubmitRequestInput) (uint64, error) {
	if err := c.checkPaused(); err != nil {
		return 0, err
	}
	return c.Ledger.Submit(ctx, input)
}

// AttestRequest records a validator's signed confirmation of the source
// event.
func (c *Client) AttestRequest(ctx context.Context, input types.AttestRequestInput) error {
	if err := c.checkPaused(); err != nil {
		return err
	}
	return c.Ledger.Attest(ctx, input)
}

// FinalizeRequest runs the fraud gate and settles the request. Idempotent
// on terminal requests.
func (c *Client) FinalizeRequest(ctx context.Context, requestID uint64) (*types.BridgeRequest, error) {
	if err := c.checkPaused(); err != nil {
		return nil, err
	}
	return c.Ledger.EvaluateAndFinalize(ctx, requestID)
}

// ExpireRequest cancels a stale request past its deadline.
func (c *Client) ExpireRequest(ctx context.Context, requestID uint64) error {
	if err := c.checkPaused(); err != nil {
		return err
	}
	return c.Ledger.Expire(ctx, requestID)
}

// SweepExpired cancels every stale request and returns how many.
func (c *Client) SweepExpired(ctx context.Context) (int, error) {
	if err := c.checkPaused(); err != nil {
		return 0, err
	}
	return c.Ledger.SweepExpired(ctx)
}

// GetRequest returns a copy of the request.
func (c *Client) GetRequest(ctx context.Context, requestID uint64) (*types.BridgeRequest, error) {
	return c.Ledger.GetRequest(ctx, requestID)
}

// ListRequests returns requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, input types.ListRequestsInput) ([]types.BridgeRequest, error) {
	return c.Ledger.ListRequests(ctx, input)
}

// RegisterValidator stakes and activates a validator.
func (c *Client) RegisterValidator(ctx context.Context, input types.RegisterValidatorInput) (*types.Validator, error) {
	if err := c.checkPaused(); err != nil {
		return nil, err
	}
	return c.Registry.Register(ctx, input)
}

// UnregisterValidator returns stake and deactivates a validator with no
// attestations in flight.
func (c *Client) UnregisterValidator(ctx context.Context, identity string) error {
	if err := c.checkPaused(); err != nil {
		return err
	}
	return c.Registry.Unregister(ctx, identity)
}

// UpdateValidatorMetrics recomputes a validator's trust score.
func (c *Client) UpdateValidatorMetrics(ctx context.Context, input types.UpdateMetricsInput) (*types.Validator, error) {
	if err := c.checkPaused(); err != nil {
		return nil, err
	}
	return c.Registry.UpdateMetrics(ctx, input)
}

// GetValidator returns a copy of the validator record.
func (c *Client) GetValidator(ctx context.Context, identity string) (*types.Validator, error) {
	return c.Registry.GetValidator(ctx, identity)
}

// ListValidators returns all validators, active first.
func (c *Client) ListValidators(ctx context.Context) ([]types.Validator, error) {
	return c.Registry.ListValidators(ctx)
}

// SlashValidator removes a fraction of stake.
func (c *Client) SlashValidator(ctx context.Context, input types.SlashInput) (*types.Validator, error) {
	if err := c.checkPaused(); err != nil {
		return nil, err
	}
	return c.Registry.Slash(ctx, input)
}

// GetActorProfile returns the accumulated profile for an actor.
func (c *Client) GetActorProfile(ctx context.Context, actor string) (*types.ActorProfile, error) {
	return c.Profiles.GetProfile(ctx, actor)
}

// FlagActor issues a manual flag on an actor profile.
func (c *Client) FlagActor(ctx context.Context, actor string, reason types.FlagReason) error {
	if err := c.checkPaused(); err != nil {
		return err
	}
	return c.Profiles.FlagActor(ctx, actor, reason)
}

// EvaluateActor scores an arbitrary actor action outside the request flow.
func (c *Client) EvaluateActor(ctx context.Context, actor string, rc types.RiskContext) (*types.FraudAnalysis, error) {
	return c.Engine.Evaluate(ctx, actor, rc)
}

// ListAnalyses returns retained fraud analyses for an actor, newest first.
func (c *Client) ListAnalyses(ctx context.Context, actor string, limit int) ([]types.FraudAnalysis, error) {
	return c.Engine.ListAnalyses(ctx, actor, limit)
}

// GetConsensusParameters returns the last committed consensus parameters.
func (c *Client) GetConsensusParameters() types.ConsensusParameters {
	return c.Optimizer.Current()
}

// RecomputeConsensus recomputes consensus parameters, honoring the
// cooldown.
func (c *Client) RecomputeConsensus(ctx context.Context) types.ConsensusParameters {
	return c.Optimizer.Recompute(ctx)
}

// Subscribe returns a channel of status-change and consensus events.
func (c *Client) Subscribe(buffer int) <-chan notify.Event {
	return c.bus.Subscribe(buffer)
}

// Pause halts every state-mutating operation with the given reason.
func (c *Client) Pause(reason string) error {
	if reason == "" {
		return errors.Wrap(types.ErrValidation, "pause reason is required")
	}
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.pauseReason = reason
	c.logger.Warn("bridge paused", zap.String("reason", reason))
	return nil
}

// Resume lifts the pause.
func (c *Client) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.pauseReason = ""
	c.logger.Info("bridge resumed")
}

// Paused reports the pause state and reason.
func (c *Client) Paused() (bool, string) {
	c.pauseMu.RLock()
	defer c.pauseMu.RUnlock()
	return c.pauseReason != "", c.pauseReason
}

func (c *Client) checkPaused() error {
	c.pauseMu.RLock()
	defer c.pauseMu.RUnlock()
	if c.pauseReason != "" {
		return errors.Wrap(types.ErrPaused, c.pauseReason)
	}
	return nil
}

// StartSweeper runs the deadline sweep on an interval until the context is
// cancelled. Safe alongside normal attestation traffic.
func (c *Client) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := c.SweepExpired(ctx)
				if err != nil {
					c.logger.Error("sweep failed", zap.Error(err))
					continue
				}
				if cancelled > 0 {
					c.logger.Info("sweep cancelled stale requests",
						zap.Int("count", cancelled))
				}
			}
		}
	}()
}
