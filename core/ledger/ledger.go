// Package ledger implements the bridge request state machine. Each request
// is a single-writer resource: its transitions serialize on a per-request
// lock while independent requests proceed in parallel. The record set is
// append-only; terminal requests are kept for audit.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/logging"
	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/types"
	"github.com/crossmesh/bridgecore/core/util"
)

// AttestationRegistry is the slice of the validator registry the ledger
// needs: eligibility plus in-flight attestation accounting.
type AttestationRegistry interface {
	BeginAttestation(input types.AttestRequestInput) error
	SettleAttestation(identity util.EthereumAddress, success bool)
}

type entry struct {
	mu  sync.Mutex
	req types.BridgeRequest
}

// Ledger is the bridge request ledger.
type Ledger struct {
	mu        sync.RWMutex
	requests  map[uint64]*entry
	order     []uint64
	nextID    uint64
	finalized map[string]uint64 // fingerprint -> finalizing request id

	minAmount      *apd.Decimal
	maxAmount      *apd.Decimal
	requestTimeout time.Duration
	minConfidence  float64

	custody   types.CustodyAdapter
	registry  AttestationRegistry
	engine    types.IFraudEngine
	optimizer types.IConsensusOptimizer
	notifier  notify.Notifier
	now       func() time.Time
	logger    *zap.Logger
}

var _ types.ILedger = (*Ledger)(nil)

// NewLedgerOptions contains options for creating a Ledger.
type NewLedgerOptions struct {
	// MinAmount and MaxAmount bound accepted transfer amounts, inclusive.
	MinAmount string
	MaxAmount string
	// RequestTimeout sets each request's deadline from its creation time.
	RequestTimeout time.Duration
	// MinConfidence is the baseline confidence the fraud gate requires; the
	// current consensus threshold can only raise it.
	MinConfidence float64
	// Custody escrows, releases and refunds the bridged value.
	Custody types.CustodyAdapter
	// Registry checks attester eligibility and tracks in-flight attestations.
	Registry AttestationRegistry
	// Engine produces the fraud analysis gating finalization.
	Engine types.IFraudEngine
	// Optimizer supplies consensus parameters and absorbs gate outcomes.
	Optimizer types.IConsensusOptimizer
	// Notifier receives status-change events; optional.
	Notifier notify.Notifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger(options NewLedgerOptions) (*Ledger, error) {
	if options.Custody == nil {
		return nil, errors.New("custody adapter is required")
	}
	if options.Registry == nil {
		return nil, errors.New("validator registry is required")
	}
	if options.Engine == nil {
		return nil, errors.New("fraud engine is required")
	}
	if options.Optimizer == nil {
		return nil, errors.New("consensus optimizer is required")
	}
	if options.RequestTimeout <= 0 {
		return nil, errors.New("request timeout must be positive")
	}
	minAmount, _, err := apd.NewFromString(options.MinAmount)
	if err != nil {
		return nil, errors.Wrap(err, "invalid min amount")
	}
	maxAmount, _, err := apd.NewFromString(options.MaxAmount)
	if err != nil {
		return nil, errors.Wrap(err, "invalid max amount")
	}
	if minAmount.Cmp(maxAmount) > 0 {
		return nil, errors.New("min amount exceeds max amount")
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		requests:       make(map[uint64]*entry),
		finalized:      make(map[string]uint64),
		minAmount:      minAmount,
		maxAmount:      maxAmount,
		requestTimeout: options.RequestTimeout,
		minConfidence:  options.MinConfidence,
		custody:        options.Custody,
		registry:       options.Registry,
		engine:         options.Engine,
		optimizer:      options.Optimizer,
		notifier:       options.Notifier,
		now:            now,
		logger:         logging.Named("ledger"),
	}, nil
}

// Submit validates and records a new transfer intent, escrowing the asset.
// Nothing is recorded when validation or escrow fails.
func (l *Ledger) Submit(ctx context.Context, input types.SubmitRequestInput) (uint64, error) {
	if err := input.Validate(); err != nil {
		return 0, errors.Wrap(types.ErrValidation, err.Error())
	}
	sender, err := util.NewEthereumAddressFromString(input.Sender)
	if err != nil {
		return 0, errors.Wrap(types.ErrValidation, err.Error())
	}
	recipient, err := util.NewEthereumAddressFromString(input.Recipient)
	if err != nil {
		return 0, errors.Wrap(types.ErrValidation, err.Error())
	}
	if sender.IsZero() || recipient.IsZero() {
		return 0, errors.Wrap(types.ErrValidation, "zero address")
	}
	amount, err := util.ParseAmount(input.Amount)
	if err != nil {
		return 0, errors.Wrap(types.ErrValidation, err.Error())
	}
	if !util.AmountInBounds(amount, l.minAmount, l.maxAmount) {
		return 0, errors.Wrapf(types.ErrValidation,
			"amount %s outside [%s, %s]", input.Amount, l.minAmount.String(), l.maxAmount.String())
	}

	// A reverse-direction submission claims a specific source event; a
	// fingerprint that already finalized is a replay, rejected before any
	// escrow moves.
	if input.Direction == types.DirectionReverse {
		l.mu.RLock()
		_, replay := l.finalized[normalizeFingerprint(input.SourceFingerprint)]
		l.mu.RUnlock()
		if replay {
			metrics.ReplayRejectionsTotal.Inc()
			return 0, errors.Wrapf(types.ErrReplay, "fingerprint %s", input.SourceFingerprint)
		}
	}

	if err := l.custody.Lock(ctx, types.CustodyCall{
		CallID: uuid.NewString(),
		Party:  sender,
		Asset:  input.Asset,
		Amount: amount.String(),
		ItemID: input.ItemID,
	}); err != nil {
		return 0, errors.Wrap(err, "failed to escrow asset")
	}

	now := l.now()
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	e := &entry{req: types.BridgeRequest{
		ID:                id,
		Sender:            sender,
		Recipient:         recipient,
		Asset:             input.Asset,
		Amount:            amount.String(),
		ItemID:            input.ItemID,
		Direction:         input.Direction,
		Status:            types.StatusPending,
		CreatedAt:         now,
		Deadline:          now.Add(l.requestTimeout),
		SourceFingerprint: normalizeFingerprint(input.SourceFingerprint),
	}}
	l.requests[id] = e
	l.order = append(l.order, id)
	l.mu.Unlock()

	metrics.RequestsSubmittedTotal.Inc()
	l.logger.Info("request submitted",
		zap.Uint64("id", id),
		zap.String("sender", sender.Address()),
		zap.String("direction", string(input.Direction)),
		zap.String("amount", amount.String()))
	l.publish(ctx, id, types.StatusPending, "")
	return id, nil
}

// Attest records a validator's signed confirmation and moves the request
// from Pending to Processing. Eligibility and the transition commit under
// the same per-request lock, so two attestations cannot race the change.
func (l *Ledger) Attest(ctx context.Context, input types.AttestRequestInput) error {
	if err := input.Validate(); err != nil {
		return errors.Wrap(types.ErrValidation, err.Error())
	}

	e, err := l.lookup(input.RequestID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.req.Status != types.StatusPending {
		return errors.Wrapf(types.ErrInvalidTransition,
			"request %d is %s, attestation requires pending", input.RequestID, e.req.Status)
	}
	if l.now().After(e.req.Deadline) {
		return errors.Wrapf(types.ErrTimeout, "request %d deadline passed", input.RequestID)
	}

	fp := normalizeFingerprint(input.SourceFingerprint)
	if e.req.SourceFingerprint != "" && e.req.SourceFingerprint != fp {
		return errors.Wrapf(types.ErrValidation,
			"attested fingerprint does not match submission for request %d", input.RequestID)
	}
	l.mu.RLock()
	_, replay := l.finalized[fp]
	l.mu.RUnlock()
	if replay {
		metrics.ReplayRejectionsTotal.Inc()
		return errors.Wrapf(types.ErrReplay, "fingerprint %s", fp)
	}

	if err := l.registry.BeginAttestation(input); err != nil {
		return err
	}

	attester, err := util.NewEthereumAddressFromString(input.Validator)
	if err != nil {
		return errors.Wrap(types.ErrValidation, err.Error())
	}
	e.req.Status = types.StatusProcessing
	e.req.Attester = &attester
	e.req.SourceFingerprint = fp
	e.req.ProofCommitment = append([]byte(nil), input.ProofCommitment...)

	l.logger.Info("request attested",
		zap.Uint64("id", input.RequestID),
		zap.String("validator", attester.Address()))
	l.publish(ctx, input.RequestID, types.StatusProcessing, "")
	return nil
}

// GetRequest returns a copy of the request.
func (l *Ledger) GetRequest(_ context.Context, requestID uint64) (*types.BridgeRequest, error) {
	e, err := l.lookup(requestID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.req
	return &out, nil
}

// ListRequests returns requests in submission order, optionally filtered
// by status, with limit/offset pagination.
func (l *Ledger) ListRequests(_ context.Context, input types.ListRequestsInput) ([]types.BridgeRequest, error) {
	l.mu.RLock()
	ids := append([]uint64(nil), l.order...)
	l.mu.RUnlock()

	offset := 0
	if input.Offset != nil {
		if *input.Offset < 0 {
			return nil, errors.Wrap(types.ErrValidation, "offset must be non-negative")
		}
		offset = *input.Offset
	}
	limit := len(ids)
	if input.Limit != nil {
		if *input.Limit <= 0 {
			return nil, errors.Wrap(types.ErrValidation, "limit must be positive")
		}
		limit = *input.Limit
	}

	out := make([]types.BridgeRequest, 0, limit)
	matched := 0
	for _, id := range ids {
		e, err := l.lookup(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		req := e.req
		e.mu.Unlock()
		if input.Status != nil && req.Status != *input.Status {
			continue
		}
		if matched < offset {
			matched++
			continue
		}
		matched++
		out = append(out, req)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) lookup(requestID uint64) (*entry, error) {
	l.mu.RLock()
	e, ok := l.requests[requestID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "request %d", requestID)
	}
	return e, nil
}

func (l *Ledger) publish(ctx context.Context, id uint64, status types.RequestStatus, reason string) {
	if l.notifier == nil {
		return
	}
	_ = l.notifier.Publish(ctx, notify.Event{
		Type:      notify.EventStatusChanged,
		RequestID: id,
		Status:    status,
		Reason:    reason,
		At:        l.now(),
	})
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(fp)
}
