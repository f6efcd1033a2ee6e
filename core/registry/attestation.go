package registry

import (
	"github.com/pkg/errors"

	"github.com/crossmesh/bridgecore/core/types"
	"github.com/crossmesh/bridgecore/core/util"
)

// BeginAttestation checks eligibility, verifies the attestation signature
// against the validator's registered identity, and claims an in-flight
// attestation slot. The ledger calls this while holding the request lock so
// eligibility and the Pending->Processing transition commit together.
func (r *Registry) BeginAttestation(input types.AttestRequestInput) error {
	addr, err := util.NewEthereumAddressFromString(input.Validator)
	if err != nil {
		return errors.Wrap(types.ErrValidation, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr.Address()]
	if !ok || !v.Active {
		return errors.Wrapf(types.ErrValidatorNotEligible, "validator %s", input.Validator)
	}

	if input.Signature == nil {
		return errors.Wrap(types.ErrValidation, "attestation signature is required")
	}
	if input.Signature.Type != v.AuthType {
		return errors.Wrapf(types.ErrValidation,
			"signature type %s does not match registered %s", input.Signature.Type, v.AuthType)
	}
	authenticator, ok := r.auths[v.AuthType]
	if !ok {
		return errors.Wrapf(types.ErrValidatorNotEligible, "no authenticator for %s", v.AuthType)
	}
	if err := authenticator.Verify(v.Identity.Bytes(), input.AttestationDigest(), input.Signature.Signature); err != nil {
		return errors.Wrap(types.ErrValidation, "attestation signature verification failed")
	}

	v.PendingAttestations++
	return nil
}

// SettleAttestation releases an in-flight attestation slot and folds the
// outcome into the validator's processed count and success rate.
func (r *Registry) SettleAttestation(identity util.EthereumAddress, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[identity.Address()]
	if !ok {
		return
	}
	if v.PendingAttestations > 0 {
		v.PendingAttestations--
	}
	prevSuccesses := v.SuccessRate * float64(v.TotalProcessed) / 100
	v.TotalProcessed++
	if success {
		prevSuccesses++
	}
	v.SuccessRate = prevSuccesses / float64(v.TotalProcessed) * 100
}
