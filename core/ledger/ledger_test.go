package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/kwilteam/kwil-db/core/crypto"
	"github.com/kwilteam/kwil-db/core/crypto/auth"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossmesh/bridgecore/core/consensus"
	"github.com/crossmesh/bridgecore/core/custody"
	"github.com/crossmesh/bridgecore/core/fraud"
	"github.com/crossmesh/bridgecore/core/notify"
	"github.com/crossmesh/bridgecore/core/profiles"
	"github.com/crossmesh/bridgecore/core/registry"
	"github.com/crossmesh/bridgecore/core/types"
)

const (
	senderAddr    = "0x1111111111111111111111111111111111111111"
	recipientAddr = "0x2222222222222222222222222222222222222222"
	tokenContract = "0x3333333333333333333333333333333333333333"

	fingerprintA = "0xabcd00112233445566778899aabbccddeeff00112233445566778899aabbccdd"
	fingerprintB = "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) Now() time.Time { return c.at }
func (c *fakeClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

type fixture struct {
	clock     *fakeClock
	custody   *custody.MemoryAdapter
	registry  *registry.Registry
	ledger    *Ledger
	bus       *notify.Bus
	provider  *fraud.StaticProvider
	optimizer *consensus.Optimizer
	signer    *auth.EthPersonalSigner
	validator string
}

// newFixture wires a full decision stack around a single static risk
// provider returning the given scores.
func newFixture(t *testing.T, fraudScore, trustScore float64) *fixture {
	t.Helper()

	clock := &fakeClock{at: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	adapter := custody.NewMemoryAdapter()

	reg, err := registry.NewRegistry(registry.NewRegistryOptions{
		MinStake: "10000",
		Custody:  adapter,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	store, err := profiles.NewStore(profiles.NewStoreOptions{
		SuspiciousThreshold: 5,
		Now:                 clock.Now,
	})
	require.NoError(t, err)

	provider := &fraud.StaticProvider{
		Assessment: types.RiskAssessment{FraudScore: fraudScore, TrustScore: trustScore},
	}
	engine, err := fraud.NewEngine(fraud.NewEngineOptions{
		Providers: []fraud.ProviderEntry{{
			Provider: provider,
			Weight:   1,
		}},
		Timeout:          100 * time.Millisecond,
		Profiles:         store,
		SuspiciousCutoff: 70,
		TrustFloor:       40,
		MinConfidence:    60,
		Now:              clock.Now,
	})
	require.NoError(t, err)

	optimizer, err := consensus.NewOptimizer(consensus.NewOptimizerOptions{
		Cooldown:   5 * time.Minute,
		WindowSize: 64,
		Now:        clock.Now,
	})
	require.NoError(t, err)

	bus := notify.NewBus()
	l, err := NewLedger(NewLedgerOptions{
		MinAmount:      "1",
		MaxAmount:      "1000000000",
		RequestTimeout: 30 * time.Minute,
		MinConfidence:  60,
		Custody:        adapter,
		Registry:       reg,
		Engine:         engine,
		Optimizer:      optimizer,
		Notifier:       bus,
		Now:            clock.Now,
	})
	require.NoError(t, err)

	secpKey, err := crypto.GenerateSecp256k1Key()
	require.NoError(t, err)
	signer := &auth.EthPersonalSigner{Key: *secpKey}
	validator, err := auth.EthSecp256k1Authenticator{}.Identifier(signer.Identity())
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), types.RegisterValidatorInput{
		Identity: validator,
		Stake:    "10000",
	})
	require.NoError(t, err)

	return &fixture{
		clock:     clock,
		custody:   adapter,
		registry:  reg,
		ledger:    l,
		bus:       bus,
		provider:  provider,
		optimizer: optimizer,
		signer:    signer,
		validator: validator,
	}
}

func submitInput(amount string) types.SubmitRequestInput {
	return types.SubmitRequestInput{
		Sender:    senderAddr,
		Recipient: recipientAddr,
		Asset:     types.AssetDescriptor{Kind: types.AssetFungible, Contract: tokenContract},
		Amount:    amount,
		Direction: types.DirectionForward,
	}
}

func (f *fixture) attest(t *testing.T, requestID uint64, fingerprint string) error {
	t.Helper()
	input := types.AttestRequestInput{
		RequestID:         requestID,
		Validator:         f.validator,
		SourceFingerprint: fingerprint,
		ProofCommitment:   []byte("merkle-proof"),
	}
	sig, err := f.signer.Sign(input.AttestationDigest())
	require.NoError(t, err)
	input.Signature = sig
	return f.ledger.Attest(context.Background(), input)
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("Records a pending request and escrows the amount", func(t *testing.T) {
		f := newFixture(t, 10, 90)

		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		assert.Equal(t, "1000", f.custody.Escrowed(tokenContract))

		req, err := f.ledger.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, req.Status)
		assert.Equal(t, senderAddr, req.Sender.Address())
		assert.Equal(t, f.clock.Now().Add(30*time.Minute), req.Deadline)
	})

	t.Run("Request ids are monotonic", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		first, err := f.ledger.Submit(ctx, submitInput("10"))
		require.NoError(t, err)
		second, err := f.ledger.Submit(ctx, submitInput("10"))
		require.NoError(t, err)
		assert.Equal(t, first+1, second)
	})

	t.Run("Rejects out-of-bounds amounts without moving escrow", func(t *testing.T) {
		f := newFixture(t, 10, 90)

		_, err := f.ledger.Submit(ctx, submitInput("1000000001"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract))

		_, err = f.ledger.Submit(ctx, submitInput("0"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract))
	})

	t.Run("Rejects a non-fungible transfer without an item id", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		input := submitInput("1")
		input.Asset.Kind = types.AssetNonFungible

		_, err := f.ledger.Submit(ctx, input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("Rejects a reverse submission without a fingerprint", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		input := submitInput("100")
		input.Direction = types.DirectionReverse

		_, err := f.ledger.Submit(ctx, input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("Rejects an unknown direction without moving escrow", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		input := submitInput("100")
		input.Direction = types.Direction("sideways")

		_, err := f.ledger.Submit(ctx, input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract))
	})
}

func TestAttest(t *testing.T) {
	ctx := context.Background()

	t.Run("Moves the request from pending to processing", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		require.NoError(t, f.attest(t, id, fingerprintA))

		req, err := f.ledger.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusProcessing, req.Status)
		require.NotNil(t, req.Attester)
		assert.Equal(t, fingerprintA, req.SourceFingerprint)
		assert.Equal(t, []byte("merkle-proof"), req.ProofCommitment)
	})

	t.Run("Second attestation on the same request is rejected", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))

		err = f.attest(t, id, fingerprintA)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
	})

	t.Run("Rejects attestation past the deadline", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		f.clock.Advance(31 * time.Minute)
		err = f.attest(t, id, fingerprintA)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrTimeout))
	})

	t.Run("Rejects a fingerprint that contradicts the submission", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		input := submitInput("1000")
		input.Direction = types.DirectionReverse
		input.SourceFingerprint = fingerprintA
		id, err := f.ledger.Submit(ctx, input)
		require.NoError(t, err)

		err = f.attest(t, id, fingerprintB)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("Rejects an unregistered validator", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		secpKey, err := crypto.GenerateSecp256k1Key()
		require.NoError(t, err)
		stranger, err := auth.EthSecp256k1Authenticator{}.Identifier((&auth.EthPersonalSigner{Key: *secpKey}).Identity())
		require.NoError(t, err)

		input := types.AttestRequestInput{
			RequestID:         id,
			Validator:         stranger,
			SourceFingerprint: fingerprintA,
			ProofCommitment:   []byte("merkle-proof"),
		}
		sig, err := (&auth.EthPersonalSigner{Key: *secpKey}).Sign(input.AttestationDigest())
		require.NoError(t, err)
		input.Signature = sig

		err = f.ledger.Attest(ctx, input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidatorNotEligible))
	})

	t.Run("Unknown request id", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		err := f.attest(t, 404, fingerprintA)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestEvaluateAndFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("Clean request completes and releases escrow", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))

		req, err := f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)
		assert.Empty(t, req.Reason)
		require.NotNil(t, req.Analysis)
		assert.True(t, req.Analysis.IsValid)
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract), "escrow paid out")

		v, err := f.registry.GetValidator(ctx, f.validator)
		require.NoError(t, err)
		assert.Equal(t, 0, v.PendingAttestations)
		assert.Equal(t, int64(1), v.TotalProcessed)
		assert.InDelta(t, 100, v.SuccessRate, 0.001)
	})

	t.Run("High fraud score fails the request and refunds the sender", func(t *testing.T) {
		f := newFixture(t, 90, 20)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))

		req, err := f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, req.Status)
		assert.Equal(t, fraud.ReasonFraudScoreLimit, req.Reason)
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract), "escrow returned to sender")

		v, err := f.registry.GetValidator(ctx, f.validator)
		require.NoError(t, err)
		assert.InDelta(t, 0, v.SuccessRate, 0.001)
	})

	t.Run("Finalization is idempotent on terminal requests", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))

		first, err := f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)
		second, err := f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract), "no second release")
	})

	t.Run("A pending request cannot be finalized", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		_, err = f.ledger.EvaluateAndFinalize(ctx, id)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrInvalidTransition))
	})

	t.Run("A finalized fingerprint cannot be replayed", func(t *testing.T) {
		f := newFixture(t, 10, 90)

		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))
		_, err = f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)

		// Attesting a new request with the spent fingerprint is a replay.
		replayID, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		err = f.attest(t, replayID, fingerprintA)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrReplay))

		// So is a reverse submission claiming it.
		reverse := submitInput("1000")
		reverse.Direction = types.DirectionReverse
		reverse.SourceFingerprint = fingerprintA
		_, err = f.ledger.Submit(ctx, reverse)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrReplay))

		// A fresh fingerprint still goes through.
		require.NoError(t, f.attest(t, replayID, fingerprintB))
	})

	t.Run("Provider outage falls back to the historical average", func(t *testing.T) {
		f := newFixture(t, 10, 90)

		// One clean settlement gives the sender a history to fall back on.
		first, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, first, fingerprintA))
		req, err := f.ledger.EvaluateAndFinalize(ctx, first)
		require.NoError(t, err)
		require.Equal(t, types.StatusCompleted, req.Status)

		f.provider.Err = types.ErrProviderUnavailable
		second, err := f.ledger.Submit(ctx, submitInput("500"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, second, fingerprintB))

		req, err = f.ledger.EvaluateAndFinalize(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)
		require.NotNil(t, req.Analysis)
		assert.Equal(t, 0, req.Analysis.Providers)
		assert.Equal(t, 60.0, req.Analysis.Confidence)
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract), "fallback still pays out")
	})

	t.Run("A replay loss does not taint the risk window", func(t *testing.T) {
		f := newFixture(t, 10, 90)

		// Both requests attest the same source event before either settles,
		// so neither attestation is a replay at that point.
		winner, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		loser, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, winner, fingerprintA))
		require.NoError(t, f.attest(t, loser, fingerprintA))

		req, err := f.ledger.EvaluateAndFinalize(ctx, winner)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status)

		req, err = f.ledger.EvaluateAndFinalize(ctx, loser)
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, req.Status)
		assert.Equal(t, "source fingerprint already finalized", req.Reason)

		// Neither settlement was fraud-flagged, so the next recompute sees a
		// clean window.
		f.clock.Advance(6 * time.Minute)
		params := f.optimizer.Recompute(ctx)
		assert.Equal(t, types.RiskLow, params.Band)
		assert.InDelta(t, 0, params.ObservedFraudRisk, 0.001)
	})

	t.Run("Status change events reach subscribers", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		events := f.bus.Subscribe(8)

		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))
		_, err = f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)

		var statuses []types.RequestStatus
		for len(statuses) < 3 {
			select {
			case ev := <-events:
				require.Equal(t, notify.EventStatusChanged, ev.Type)
				require.Equal(t, id, ev.RequestID)
				statuses = append(statuses, ev.Status)
			default:
				t.Fatalf("expected 3 status events, got %v", statuses)
			}
		}
		assert.Equal(t, []types.RequestStatus{
			types.StatusPending, types.StatusProcessing, types.StatusCompleted,
		}, statuses)
	})
}

func TestExpire(t *testing.T) {
	ctx := context.Background()

	t.Run("Cancels a stale pending request and refunds escrow", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		f.clock.Advance(31 * time.Minute)
		require.NoError(t, f.ledger.Expire(ctx, id))

		req, err := f.ledger.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, req.Status)
		assert.Equal(t, "deadline exceeded", req.Reason)
		assert.Equal(t, "0", f.custody.Escrowed(tokenContract))
	})

	t.Run("Refuses to expire before the deadline", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)

		err = f.ledger.Expire(ctx, id)
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})

	t.Run("Expiring a terminal request is a no-op", func(t *testing.T) {
		f := newFixture(t, 10, 90)
		id, err := f.ledger.Submit(ctx, submitInput("1000"))
		require.NoError(t, err)
		require.NoError(t, f.attest(t, id, fingerprintA))
		_, err = f.ledger.EvaluateAndFinalize(ctx, id)
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		require.NoError(t, f.ledger.Expire(ctx, id))

		req, err := f.ledger.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, req.Status, "completion survives the deadline")
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 10, 90)
	stale1, err := f.ledger.Submit(ctx, submitInput("100"))
	require.NoError(t, err)
	stale2, err := f.ledger.Submit(ctx, submitInput("200"))
	require.NoError(t, err)
	require.NoError(t, f.attest(t, stale2, fingerprintB))

	completed, err := f.ledger.Submit(ctx, submitInput("300"))
	require.NoError(t, err)
	require.NoError(t, f.attest(t, completed, fingerprintA))
	_, err = f.ledger.EvaluateAndFinalize(ctx, completed)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	fresh, err := f.ledger.Submit(ctx, submitInput("400"))
	require.NoError(t, err)

	cancelled, err := f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	for _, id := range []uint64{stale1, stale2} {
		req, err := f.ledger.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, req.Status)
	}
	req, err := f.ledger.GetRequest(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, req.Status, "requests inside their deadline survive the sweep")

	// Only the fresh request's escrow remains held.
	assert.Equal(t, "400", f.custody.Escrowed(tokenContract))

	again, err := f.ledger.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again, "sweep is idempotent")
}

func TestListRequests(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 10, 90)
	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := f.ledger.Submit(ctx, submitInput("100"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, f.attest(t, ids[0], fingerprintA))

	t.Run("Returns all requests in submission order", func(t *testing.T) {
		out, err := f.ledger.ListRequests(ctx, types.ListRequestsInput{})
		require.NoError(t, err)
		require.Len(t, out, 5)
		for i, req := range out {
			assert.Equal(t, ids[i], req.ID)
		}
	})

	t.Run("Filters by status", func(t *testing.T) {
		status := types.StatusProcessing
		out, err := f.ledger.ListRequests(ctx, types.ListRequestsInput{Status: &status})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, ids[0], out[0].ID)
	})

	t.Run("Paginates with limit and offset", func(t *testing.T) {
		limit, offset := 2, 1
		out, err := f.ledger.ListRequests(ctx, types.ListRequestsInput{Limit: &limit, Offset: &offset})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, ids[1], out[0].ID)
		assert.Equal(t, ids[2], out[1].ID)
	})

	t.Run("Rejects a negative offset", func(t *testing.T) {
		offset := -1
		_, err := f.ledger.ListRequests(ctx, types.ListRequestsInput{Offset: &offset})
		require.Error(t, err)
		assert.True(t, errors.Is(err, types.ErrValidation))
	})
}
