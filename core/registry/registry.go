// Package registry owns the staked validator set. Eligibility is checked at
// attestation time only: a stake that later falls under the minimum never
// retroactively invalidates attestations already recorded.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"github.com/kwilteam/kwil-db/core/crypto/auth"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/crossmesh/bridgecore/core/logging"
	"github.com/crossmesh/bridgecore/core/metrics"
	"github.com/crossmesh/bridgecore/core/types"
	"github.com/crossmesh/bridgecore/core/util"
)

// StakeAsset is the asset descriptor used for validator stake custody.
var StakeAsset = types.AssetDescriptor{Kind: types.AssetNative}

// Registry is the validator registry.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*types.Validator

	minStake *apd.Decimal
	custody  types.CustodyAdapter
	auths    map[string]auth.Authenticator
	now      func() time.Time
	logger   *zap.Logger
	apdCtx   *apd.Context
}

var _ types.IValidatorRegistry = (*Registry)(nil)

// NewRegistryOptions contains options for creating a Registry.
type NewRegistryOptions struct {
	// MinStake is the minimum stake, as a decimal string.
	MinStake string
	// Custody locks and returns stake value.
	Custody types.CustodyAdapter
	// Authenticators maps auth type names to verifiers. Defaults to eth
	// personal sign only.
	Authenticators map[string]auth.Authenticator
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(options NewRegistryOptions) (*Registry, error) {
	if options.Custody == nil {
		return nil, errors.New("custody adapter is required")
	}
	minStake, _, err := apd.NewFromString(options.MinStake)
	if err != nil {
		return nil, errors.Wrap(err, "invalid minimum stake")
	}
	auths := options.Authenticators
	if auths == nil {
		auths = map[string]auth.Authenticator{
			auth.EthPersonalSignAuth: auth.EthSecp256k1Authenticator{},
		}
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		validators: make(map[string]*types.Validator),
		minStake:   minStake,
		custody:    options.Custody,
		auths:      auths,
		now:        now,
		logger:     logging.Named("registry"),
		apdCtx:     apd.BaseContext.WithPrecision(78),
	}, nil
}

// Register stakes and activates a validator.
func (r *Registry) Register(ctx context.Context, input types.RegisterValidatorInput) (*types.Validator, error) {
	if err := input.Validate(); err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}
	identity, err := util.NewEthereumAddressFromString(input.Identity)
	if err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}
	stake, _, err := apd.NewFromString(input.Stake)
	if err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}
	if stake.Cmp(r.minStake) < 0 {
		return nil, errors.Wrapf(types.ErrValidation,
			"stake %s is below minimum %s", input.Stake, r.minStake.String())
	}
	authType := input.AuthType
	if authType == "" {
		authType = auth.EthPersonalSignAuth
	}
	if _, ok := r.auths[authType]; !ok {
		return nil, errors.Wrapf(types.ErrValidation, "unsupported auth type %s", authType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := identity.Address()
	if existing, ok := r.validators[key]; ok && existing.Active {
		return nil, errors.Wrapf(types.ErrValidation, "validator %s already registered", key)
	}

	// Stake moves through the custody adapter; the registry never holds
	// value itself.
	if err := r.custody.Lock(ctx, types.CustodyCall{
		CallID: uuid.NewString(),
		Party:  identity,
		Asset:  StakeAsset,
		Amount: stake.String(),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to lock stake")
	}

	v := &types.Validator{
		Identity:     identity,
		AuthType:     authType,
		Stake:        stake.String(),
		Active:       true,
		RegisteredAt: r.now(),
	}
	r.validators[key] = v
	metrics.ActiveValidators.Inc()
	r.logger.Info("validator registered",
		zap.String("identity", key), zap.String("stake", v.Stake))

	out := *v
	return &out, nil
}

// Unregister returns stake and deactivates. Refused while attestations
// attributable to this validator are still in Processing.
func (r *Registry) Unregister(ctx context.Context, identity string) error {
	addr, err := util.NewEthereumAddressFromString(identity)
	if err != nil {
		return errors.Wrap(types.ErrValidation, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr.Address()]
	if !ok || !v.Active {
		return errors.Wrapf(types.ErrValidatorNotEligible, "validator %s", identity)
	}
	if v.PendingAttestations > 0 {
		return errors.Wrapf(types.ErrValidation,
			"validator %s has %d attestations in flight", identity, v.PendingAttestations)
	}

	if err := r.custody.Refund(ctx, types.CustodyCall{
		CallID: uuid.NewString(),
		Party:  v.Identity,
		Asset:  StakeAsset,
		Amount: v.Stake,
	}); err != nil {
		return errors.Wrap(err, "failed to return stake")
	}

	v.Active = false
	metrics.ActiveValidators.Dec()
	r.logger.Info("validator unregistered", zap.String("identity", addr.Address()))
	return nil
}

// UpdateMetrics recomputes the trust score from fresh metrics.
func (r *Registry) UpdateMetrics(_ context.Context, input types.UpdateMetricsInput) (*types.Validator, error) {
	if input.UptimePercent < 0 || input.UptimePercent > 100 {
		return nil, errors.Wrapf(types.ErrValidation, "uptime %f out of range", input.UptimePercent)
	}
	if input.ParticipationRate < 0 || input.ParticipationRate > 100 {
		return nil, errors.Wrapf(types.ErrValidation, "participation %f out of range", input.ParticipationRate)
	}
	if input.ResponseTimeMs < 0 {
		return nil, errors.Wrapf(types.ErrValidation, "response time %d is negative", input.ResponseTimeMs)
	}
	addr, err := util.NewEthereumAddressFromString(input.Identity)
	if err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr.Address()]
	if !ok || !v.Active {
		return nil, errors.Wrapf(types.ErrValidatorNotEligible, "validator %s", input.Identity)
	}

	v.UptimePercent = input.UptimePercent
	v.ResponseTimeMs = input.ResponseTimeMs
	v.ParticipationRate = input.ParticipationRate
	v.TrustScore = trustScore(input.UptimePercent, input.ResponseTimeMs, input.ParticipationRate)
	v.IsOptimal = v.TrustScore > 80 && v.UptimePercent > 95 && v.ResponseTimeMs < 100

	out := *v
	return &out, nil
}

// GetValidator returns a copy of the validator record.
func (r *Registry) GetValidator(_ context.Context, identity string) (*types.Validator, error) {
	addr, err := util.NewEthereumAddressFromString(identity)
	if err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[addr.Address()]
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "validator %s", identity)
	}
	out := *v
	return &out, nil
}

// ListValidators returns all validators, active before inactive, each group
// ordered by trust score descending.
func (r *Registry) ListValidators(_ context.Context) ([]types.Validator, error) {
	r.mu.RLock()
	out := make([]types.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, *v)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active
		}
		if out[i].TrustScore != out[j].TrustScore {
			return out[i].TrustScore > out[j].TrustScore
		}
		return out[i].Identity.Address() < out[j].Identity.Address()
	})
	return out, nil
}

// Slash removes a fraction of stake via the custody adapter and deactivates
// the validator when the remainder falls under the minimum. Attestations
// recorded before the slash stand.
func (r *Registry) Slash(ctx context.Context, input types.SlashInput) (*types.Validator, error) {
	if input.Fraction <= 0 || input.Fraction > 1 {
		return nil, errors.Wrapf(types.ErrValidation, "slash fraction %f out of range", input.Fraction)
	}
	if input.Reason == "" {
		return nil, errors.Wrap(types.ErrValidation, "slash reason is required")
	}
	addr, err := util.NewEthereumAddressFromString(input.Identity)
	if err != nil {
		return nil, errors.Wrap(types.ErrValidation, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr.Address()]
	if !ok || !v.Active {
		return nil, errors.Wrapf(types.ErrValidatorNotEligible, "validator %s", input.Identity)
	}

	stake, _, err := apd.NewFromString(v.Stake)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt stake record")
	}
	slashed, err := util.MulFraction(stake, input.Fraction)
	if err != nil {
		return nil, err
	}
	remaining := new(apd.Decimal)
	if _, err := r.apdCtx.Sub(remaining, stake, slashed); err != nil {
		return nil, errors.Wrap(err, "stake arithmetic failed")
	}

	// Slashed value leaves escrow permanently; Release without a recipient
	// claim models burning it to the domain treasury.
	if err := r.custody.Release(ctx, types.CustodyCall{
		CallID: uuid.NewString(),
		Party:  v.Identity,
		Asset:  StakeAsset,
		Amount: slashed.String(),
	}); err != nil {
		return nil, errors.Wrap(err, "failed to remove slashed stake")
	}

	v.Stake = remaining.String()
	if remaining.Cmp(r.minStake) < 0 {
		v.Active = false
		metrics.ActiveValidators.Dec()
	}
	r.logger.Warn("validator slashed",
		zap.String("identity", addr.Address()),
		zap.Float64("fraction", input.Fraction),
		zap.String("reason", input.Reason),
		zap.Bool("still_active", v.Active))

	out := *v
	return &out, nil
}
