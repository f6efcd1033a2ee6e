package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/types"
)

// EvaluateAndFinalize runs the fraud gate over a Processing request and
// settles it. Idempotent: on a terminal request it returns the stored
// result unchanged. The fraud evaluation runs with no request lock held;
// the outcome is committed only after re-checking the state, so a
// concurrent sweep cancelling the request wins cleanly.
func (l *Ledger) EvaluateAndFinalize(ctx context.Context, requestID uint64) (*types.BridgeRequest, error) {
	e, err := l.lookup(requestID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.req.Status.Terminal() {
		out := e.req
		e.mu.Unlock()
		return &out, nil
	}
	if e.req.Status != types.StatusProcessing {
		e.mu.Unlock()
		return nil, errors.Wrapf(types.ErrInvalidTransition,
			"request %d is %s, finalization requires processing", requestID, e.req.Status)
	}
	snapshot := e.req
	e.mu.Unlock()

	// Evaluate-then-commit: provider calls may block up to their timeout
	// and must not hold the request lock meanwhile.
	analysis, err := l.engine.Evaluate(ctx, snapshot.Sender.Address(), types.RiskContext{
		RequestID: snapshot.ID,
		Action:    "bridge_transfer",
		Amount:    snapshot.Amount,
		Asset:     snapshot.Asset.Contract,
		Recipient: snapshot.Recipient.Address(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "fraud evaluation failed")
	}
	params := l.optimizer.Current()

	// The consensus threshold sets the confidence bar: stricter agreement
	// under elevated risk means the gate demands more certainty. A fallback
	// analysis (no providers reachable) carries the floor confidence by
	// construction, so only the floor applies to it.
	requiredConfidence := l.minConfidence
	if analysis.Providers > 0 && float64(params.RequiredAgreementPercent) > requiredConfidence {
		requiredConfidence = float64(params.RequiredAgreementPercent)
	}
	pass := analysis.IsValid && analysis.Confidence >= requiredConfidence

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status.Terminal() {
		// Settled while we were evaluating; the stored outcome stands.
		out := e.req
		return &out, nil
	}

	reason := analysis.Reason
	if pass {
		// One more gate: the fingerprint may only finalize once across the
		// ledger's lifetime.
		l.mu.Lock()
		if prior, taken := l.finalized[e.req.SourceFingerprint]; taken && prior != e.req.ID {
			l.mu.Unlock()
			metrics.ReplayRejectionsTotal.Inc()
			pass = false
			reason = "source fingerprint already finalized"
		} else {
			l.finalized[e.req.SourceFingerprint] = e.req.ID
			l.mu.Unlock()
		}
	} else if analysis.IsValid {
		reason = "confidence below consensus threshold"
	}

	if pass {
		if err := l.custody.Release(ctx, types.CustodyCall{
			CallID: uuid.NewString(),
			Party:  e.req.Recipient,
			Asset:  e.req.Asset,
			Amount: e.req.Amount,
			ItemID: e.req.ItemID,
		}); err != nil {
			// Leave the request in Processing; the ledger never marks value
			// released that custody did not move. Unclaim the fingerprint
			// so a retry can finalize.
			l.mu.Lock()
			delete(l.finalized, e.req.SourceFingerprint)
			l.mu.Unlock()
			return nil, errors.Wrap(err, "custody release failed")
		}
		e.req.Status = types.StatusCompleted
		e.req.Reason = ""
	} else {
		if err := l.custody.Refund(ctx, types.CustodyCall{
			CallID: uuid.NewString(),
			Party:  e.req.Sender,
			Asset:  e.req.Asset,
			Amount: e.req.Amount,
			ItemID: e.req.ItemID,
		}); err != nil {
			return nil, errors.Wrap(err, "custody refund failed")
		}
		e.req.Status = types.StatusFailed
		e.req.Reason = reason
	}
	e.req.Analysis = analysis

	if e.req.Attester != nil {
		l.registry.SettleAttestation(*e.req.Attester, pass)
	}
	// The risk window tracks fraud verdicts only; a replay loss or a
	// confidence shortfall is not a fraud signal.
	l.optimizer.Observe(!analysis.IsValid)
	metrics.RequestsFinalizedTotal.WithLabelValues(string(e.req.Status)).Inc()
	l.logger.Info("request finalized",
		zap.Uint64("id", e.req.ID),
		zap.String("status", string(e.req.Status)),
		zap.Float64("fraud_score", analysis.FraudScore),
		zap.Float64("confidence", analysis.Confidence),
		zap.String("reason", e.req.Reason))
	l.publish(ctx, e.req.ID, e.req.Status, e.req.Reason)

	out := e.req
	return &out, nil
}
