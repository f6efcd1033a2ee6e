package types

import "github.com/pkg/errors"

// Sentinel errors of the decision layer. Components wrap these with context
// via pkg/errors; callers classify with errors.Is.
var (
	// ErrValidation marks rejected input or a violated precondition.
	ErrValidation = errors.New("validation failed")

	// ErrReplay marks a source fingerprint that already finalized.
	ErrReplay = errors.New("source fingerprint already finalized")

	// ErrValidatorNotEligible marks an unknown, inactive or understaked
	// validator.
	ErrValidatorNotEligible = errors.New("validator not eligible")

	// ErrTimeout marks a deadline that passed, on a request or an external
	// call.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrProviderUnavailable is what a RiskProvider returns when its
	// backing service cannot be reached. The engine absorbs it through the
	// fallback chain; it never surfaces to ledger callers.
	ErrProviderUnavailable = errors.New("risk provider unavailable")

	// ErrPaused marks an operation refused while the bridge is paused.
	ErrPaused = errors.New("bridge is paused")

	// ErrNotFound marks a missing request, validator or actor.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks a request status change the state machine
	// forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
