package util

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// EthereumAddress wraps a checksummed 20-byte address. The string form is
// always lowercase 0x-prefixed hex.
type EthereumAddress struct {
	address common.Address
}

// NewEthereumAddressFromString parses a 0x-prefixed hex address.
func NewEthereumAddressFromString(s string) (EthereumAddress, error) {
	if !common.IsHexAddress(s) {
		return EthereumAddress{}, fmt.Errorf("invalid ethereum address: %s", s)
	}
	return EthereumAddress{address: common.HexToAddress(s)}, nil
}

// Unsafe_NewEthereumAddressFromString parses a 0x-prefixed hex address and
// panics on failure. Intended for tests and static fixtures only.
func Unsafe_NewEthereumAddressFromString(s string) EthereumAddress {
	addr, err := NewEthereumAddressFromString(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// NewEthereumAddressFromBytes builds an address from its 20-byte form.
func NewEthereumAddressFromBytes(b []byte) (EthereumAddress, error) {
	if len(b) != common.AddressLength {
		return EthereumAddress{}, fmt.Errorf("invalid address length: %d", len(b))
	}
	return EthereumAddress{address: common.BytesToAddress(b)}, nil
}

// Address returns the lowercase hex representation.
func (a EthereumAddress) Address() string {
	return "0x" + fmt.Sprintf("%x", a.address.Bytes())
}

// Bytes returns the raw 20-byte address.
func (a EthereumAddress) Bytes() []byte {
	return a.address.Bytes()
}

// IsZero reports whether this is the zero address.
func (a EthereumAddress) IsZero() bool {
	return a.address == (common.Address{})
}

func (a EthereumAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Address())
}

func (a *EthereumAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewEthereumAddressFromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
