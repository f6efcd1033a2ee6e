package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/types"
)

// Expire cancels a request whose deadline passed while it was still
// Pending or Processing, reversing escrow to the sender. A request with
// zero attestations at its deadline is cancelled, never silently
// finalized. No-op on terminal requests.
func (l *Ledger) Expire(ctx context.Context, requestID uint64) error {
	e, err := l.lookup(requestID)
	if err != nil {
		return err
	}
	cancelled, terminal, err := l.expireEntry(ctx, e)
	if err != nil {
		return err
	}
	if !cancelled && !terminal {
		return errors.Wrapf(types.ErrValidation, "request %d deadline not reached", requestID)
	}
	return nil
}

// SweepExpired cancels every stale request. Idempotent and safe to run
// concurrently with attestation traffic: each candidate is re-checked
// under its own lock. Returns the number of requests cancelled.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	l.mu.RLock()
	ids := append([]uint64(nil), l.order...)
	l.mu.RUnlock()

	cancelled := 0
	for _, id := range ids {
		e, err := l.lookup(id)
		if err != nil {
			continue
		}
		did, _, err := l.expireEntry(ctx, e)
		if err != nil {
			l.logger.Error("sweep failed for request",
				zap.Uint64("id", id), zap.Error(err))
			continue
		}
		if did {
			cancelled++
		}
	}
	return cancelled, nil
}

// expireEntry moves one stale entry to Cancelled. Terminal entries are
// always a no-op, which makes the sweep idempotent.
func (l *Ledger) expireEntry(ctx context.Context, e *entry) (cancelled, terminal bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status.Terminal() {
		return false, true, nil
	}
	if !l.now().After(e.req.Deadline) {
		return false, false, nil
	}

	if err := l.custody.Refund(ctx, types.CustodyCall{
		CallID: uuid.NewString(),
		Party:  e.req.Sender,
		Asset:  e.req.Asset,
		Amount: e.req.Amount,
		ItemID: e.req.ItemID,
	}); err != nil {
		return false, false, errors.Wrap(err, "escrow refund failed")
	}

	e.req.Status = types.StatusCancelled
	e.req.Reason = "deadline exceeded"
	if e.req.Attester != nil {
		l.registry.SettleAttestation(*e.req.Attester, false)
	}

	metrics.RequestsFinalizedTotal.WithLabelValues(string(types.StatusCancelled)).Inc()
	l.logger.Info("request expired",
		zap.Uint64("id", e.req.ID),
		zap.Time("deadline", e.req.Deadline))
	l.publish(ctx, e.req.ID, types.StatusCancelled, e.req.Reason)
	return true, false, nil
}
