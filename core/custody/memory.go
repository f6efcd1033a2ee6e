// Package custody provides the reference in-memory custody adapter. Real
// deployments supply their own types.CustodyAdapter backed by the domain's
// escrow contracts; this one exists for tests and local runs.
package custody

import (
	"context"
	"sync"

	"github.com/cockroachdb/apd/v3"
	"github.com/pkg/errors"

	"github.com/crossmesh/bridgecore/core/types"
)

type opKind string

const (
	opLock    opKind = "lock"
	opRelease opKind = "release"
	opRefund  opKind = "refund"
)

type appliedCall struct {
	kind opKind
	err  error
}

// MemoryAdapter keeps escrow balances in memory. Every operation is atomic
// and idempotent per call id: a replayed call id returns the first outcome
// without moving value again.
type MemoryAdapter struct {
	mu      sync.Mutex
	escrow  map[string]*apd.Decimal // asset contract -> escrowed total
	applied map[string]appliedCall  // call id -> outcome
	ctx     *apd.Context
}

var _ types.CustodyAdapter = (*MemoryAdapter)(nil)

// NewMemoryAdapter creates an empty adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		escrow:  make(map[string]*apd.Decimal),
		applied: make(map[string]appliedCall),
		ctx:     apd.BaseContext.WithPrecision(78),
	}
}

// Lock escrows the asset from the sending party.
func (m *MemoryAdapter) Lock(_ context.Context, call types.CustodyCall) error {
	return m.apply(opLock, call)
}

// Release pays escrowed value out to the recipient.
func (m *MemoryAdapter) Release(_ context.Context, call types.CustodyCall) error {
	return m.apply(opRelease, call)
}

// Refund reverses escrow back to the original party.
func (m *MemoryAdapter) Refund(_ context.Context, call types.CustodyCall) error {
	return m.apply(opRefund, call)
}

// Escrowed returns the currently escrowed total for an asset contract.
func (m *MemoryAdapter) Escrowed(contract string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.escrow[contract]; ok {
		return d.String()
	}
	return "0"
}

func (m *MemoryAdapter) apply(kind opKind, call types.CustodyCall) error {
	if call.CallID == "" {
		return errors.New("custody call id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.applied[call.CallID]; ok {
		if prior.kind != kind {
			return errors.Errorf("call id %s was already used for %s", call.CallID, prior.kind)
		}
		return prior.err
	}

	err := m.move(kind, call)
	m.applied[call.CallID] = appliedCall{kind: kind, err: err}
	return err
}

func (m *MemoryAdapter) move(kind opKind, call types.CustodyCall) error {
	amount, _, err := apd.NewFromString(call.Amount)
	if err != nil {
		return errors.Wrapf(err, "invalid custody amount %q", call.Amount)
	}
	key := call.Asset.Contract
	if key == "" {
		key = string(call.Asset.Kind)
	}
	held, ok := m.escrow[key]
	if !ok {
		held = new(apd.Decimal)
		m.escrow[key] = held
	}

	switch kind {
	case opLock:
		_, err = m.ctx.Add(held, held, amount)
	case opRelease, opRefund:
		if held.Cmp(amount) < 0 {
			return errors.Errorf("escrow underflow for %s: held %s, requested %s", key, held.String(), call.Amount)
		}
		_, err = m.ctx.Sub(held, held, amount)
	default:
		return errors.Errorf("unknown custody op %s", kind)
	}
	return errors.Wrap(err, "escrow arithmetic failed")
}
