package types

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/kwilteam/kwil-db/core/crypto/auth"

	"github.com/crossmesh/bridgecore/core/util"
)

// RequestStatus is the lifecycle state of a bridge request.
// Transitions are monotonic: Pending -> Processing -> {Completed|Failed|Cancelled}.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction identifies which domain the asset leaves.
type Direction string

const (
	// DirectionForward moves an asset from domain A to domain B.
	DirectionForward Direction = "a_to_b"
	// DirectionReverse moves an asset from domain B back to domain A.
	// Reverse submissions carry the fingerprint of the original source event.
	DirectionReverse Direction = "b_to_a"
)

// AssetKind distinguishes what the bridge is moving.
type AssetKind string

const (
	AssetFungible    AssetKind = "fungible"
	AssetNonFungible AssetKind = "non_fungible"
	AssetNative      AssetKind = "native"
)

// AssetDescriptor identifies an asset on the source domain.
type AssetDescriptor struct {
	Kind AssetKind `json:"kind" validate:"required,oneof=fungible non_fungible native"`
	// Contract is the token contract or collection identifier. Empty for
	// native value.
	Contract string `json:"contract"`
}

// BridgeRequest is the append-only record of one cross-domain transfer
// intent. Mutated only by attestation, finalization and expiry; never
// deleted.
type BridgeRequest struct {
	ID        uint64               `json:"id"`
	Sender    util.EthereumAddress `json:"sender"`
	Recipient util.EthereumAddress `json:"recipient"`
	Asset     AssetDescriptor      `json:"asset"`
	Amount    string               `json:"amount"` // NUMERIC(78,0) as string
	ItemID    string               `json:"item_id,omitempty"`
	Direction Direction            `json:"direction"`
	Status    RequestStatus        `json:"status"`
	CreatedAt time.Time            `json:"created_at"`
	Deadline  time.Time            `json:"deadline"`
	// SourceFingerprint is the opaque, globally unique identifier of the
	// real transfer event on the source domain. A fingerprint finalizes at
	// most once.
	SourceFingerprint string                `json:"source_fingerprint,omitempty"`
	Attester          *util.EthereumAddress `json:"attester,omitempty"`
	ProofCommitment   []byte                `json:"proof_commitment,omitempty"`
	// Reason records why a request reached Failed or Cancelled.
	Reason string `json:"reason,omitempty"`
	// Analysis is the fraud analysis that gated finalization, retained for
	// audit alongside the terminal status.
	Analysis *FraudAnalysis `json:"analysis,omitempty"`
}

// SubmitRequestInput is input for Submit.
type SubmitRequestInput struct {
	Sender    string          `validate:"required"`
	Recipient string          `validate:"required"`
	Asset     AssetDescriptor `validate:"required"`
	Amount    string          `validate:"required"`
	ItemID    string
	Direction Direction `validate:"required,oneof=a_to_b b_to_a"`
	// SourceFingerprint is required for reverse-direction submissions: it
	// names the original source event being claimed back.
	SourceFingerprint string
}

// Validate performs the semantic checks struct tags cannot express.
func (i *SubmitRequestInput) Validate() error {
	if i.Direction != DirectionForward && i.Direction != DirectionReverse {
		return fmt.Errorf("unknown direction %q", i.Direction)
	}
	if _, _, err := apd.NewFromString(i.Amount); err != nil {
		return fmt.Errorf("invalid amount format: %w", err)
	}
	if i.Asset.Kind == AssetNonFungible && i.ItemID == "" {
		return fmt.Errorf("item id is required for non-fungible transfers")
	}
	if i.Asset.Kind != AssetNative && i.Asset.Contract == "" {
		return fmt.Errorf("contract identifier is required for %s assets", i.Asset.Kind)
	}
	if i.Direction == DirectionReverse {
		if err := ValidateFingerprint(i.SourceFingerprint); err != nil {
			return err
		}
	}
	return nil
}

// AttestRequestInput is input for Attest. The signature is produced by the
// validator's registered signer over AttestationDigest.
type AttestRequestInput struct {
	RequestID         uint64 `validate:"required"`
	Validator         string `validate:"required"`
	SourceFingerprint string `validate:"required"`
	ProofCommitment   []byte `validate:"required"`
	Signature         *auth.Signature
}

// Validate validates the attestation input.
func (i *AttestRequestInput) Validate() error {
	if err := ValidateFingerprint(i.SourceFingerprint); err != nil {
		return err
	}
	if len(i.ProofCommitment) == 0 {
		return fmt.Errorf("proof commitment cannot be empty")
	}
	return nil
}

// AttestationDigest is the canonical byte string a validator signs when
// attesting a request. Layout: "attest:" || requestID || ":" || fingerprint
// || ":" || hex(commitment).
func (i *AttestRequestInput) AttestationDigest() []byte {
	return []byte(fmt.Sprintf("attest:%d:%s:%s",
		i.RequestID,
		strings.ToLower(i.SourceFingerprint),
		hex.EncodeToString(i.ProofCommitment),
	))
}

// ListRequestsInput specifies filters for ListRequests.
type ListRequestsInput struct {
	Status *RequestStatus `validate:"omitempty"`
	Limit  *int           `validate:"omitempty,min=1"`
	Offset *int           `validate:"omitempty,min=0"`
}

// ValidateFingerprint checks a source transaction fingerprint: 0x-prefixed,
// 64 hex characters.
func ValidateFingerprint(fp string) error {
	if len(fp) != 66 {
		return fmt.Errorf("fingerprint must be 0x-prefixed 64 hex characters, got %d chars", len(fp))
	}
	if !strings.HasPrefix(fp, "0x") {
		return fmt.Errorf("fingerprint must start with 0x prefix")
	}
	if _, err := hex.DecodeString(fp[2:]); err != nil {
		return fmt.Errorf("fingerprint must contain valid hex characters after 0x prefix: %w", err)
	}
	return nil
}

// ILedger is the bridge request state machine.
type ILedger interface {
	// Submit records a new transfer intent and escrows the asset. Returns
	// the monotonic request id.
	Submit(ctx context.Context, input SubmitRequestInput) (uint64, error)

	// Attest records a validator's signed confirmation of the source event
	// and moves the request from Pending to Processing.
	Attest(ctx context.Context, input AttestRequestInput) error

	// EvaluateAndFinalize runs the fraud gate and settles the request.
	// Idempotent: on a terminal request it returns the stored result.
	EvaluateAndFinalize(ctx context.Context, requestID uint64) (*BridgeRequest, error)

	// Expire cancels a stale request past its deadline and reverses escrow.
	Expire(ctx context.Context, requestID uint64) error

	// SweepExpired cancels every stale request; safe to run concurrently
	// with attestation traffic. Returns the number of requests cancelled.
	SweepExpired(ctx context.Context) (int, error)

	// GetRequest returns a copy of the request.
	GetRequest(ctx context.Context, requestID uint64) (*BridgeRequest, error)

	// ListRequests returns requests, optionally filtered by status.
	ListRequests(ctx context.Context, input ListRequestsInput) ([]BridgeRequest, error)
}

// CustodyCall identifies one atomic custody operation. Calls sharing an id
// are idempotent: the adapter returns the first outcome.
type CustodyCall struct {
	CallID string               `validate:"required"`
	Party  util.EthereumAddress `validate:"required"`
	Asset  AssetDescriptor      `validate:"required"`
	Amount string               `validate:"required"`
	ItemID string
}

// CustodyAdapter is the external component that actually moves value. The
// core never mutates balances directly; it only authorizes transitions.
type CustodyAdapter interface {
	// Lock escrows the asset from the sending party.
	Lock(ctx context.Context, call CustodyCall) error
	// Release pays escrowed value out to the recipient.
	Release(ctx context.Context, call CustodyCall) error
	// Refund reverses escrow back to the original party.
	Refund(ctx context.Context, call CustodyCall) error
}
