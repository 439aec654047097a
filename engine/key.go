package engine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// --- BackendKey Implementation ---

// BackendKey is a fixed-size 32-byte container holding any liquidity or swap
// backend's identity.
//
// Motivation:
// Most backends are identified by a 20-byte contract address, but some carry
// a 32-byte sub-identity (a Balancer-style vault lends on behalf of a
// bytes32 pool id). BackendKey normalizes both into a single, comparable,
// hashable type usable as a registry key and as the authenticated caller
// identity on a loan ticket.
//
// Encoding rules:
//   - Address-based identities are stored in Ethereum ABI form:
//     [0..11] = zero padding, [12..31] = address (right-aligned)
//   - bytes32 identities are stored verbatim in [0..31]
//
// BackendKey MUST NOT be treated as a generic ABI word; conversions must be
// explicit.
type BackendKey [32]byte

// Bytes returns the raw underlying byte slice.
func (k BackendKey) Bytes() []byte {
	return k[:]
}

// String returns the hex string representation of the key.
func (k BackendKey) String() string {
	return "0x" + hex.EncodeToString(k[:])
}

// IsZero reports whether the key is entirely unset.
func (k BackendKey) IsZero() bool {
	return k == BackendKey{}
}

// MarshalJSON serializes the key as a hex string.
func (k BackendKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a hex string into the key.
//
// Decoded bytes are copied verbatim into the first N bytes of the key and
// the remainder is zero-padded. This suits bytes32 identities that may be
// serialized without trailing zeros; it does NOT perform ABI-aware decoding
// for addresses.
func (k *BackendKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")

	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) > 32 {
		return errors.New("backend key too long")
	}

	// Wipe existing data to prevent dirty reads if reusing the struct
	*k = BackendKey{}
	copy(k[:], b)

	return nil
}

// AddressToBackendKey converts a backend contract address into a BackendKey.
//
// Layout:
//
//	[0..11]  = 0x00 padding
//	[12..31] = address (20 bytes)
func AddressToBackendKey(addr common.Address) BackendKey {
	var key BackendKey
	copy(key[12:], addr[:])
	return key
}

// ToAddress attempts to interpret the BackendKey as a contract address.
//
// The key is treated as an address only if the first 12 bytes are zero,
// matching the ABI encoding of an address in a 32-byte word. A bytes32
// identity with 12 leading zero bytes would be misclassified, though this
// is statistically negligible for hash-derived identities.
func (k BackendKey) ToAddress() (common.Address, error) {
	for _, b := range k[:12] {
		if b != 0 {
			return common.Address{}, errors.New("backend key is not an ABI-encoded address")
		}
	}
	return common.Address(k[12:32]), nil
}

// Bytes32ToBackendKey wraps a verbatim 32-byte identity.
func Bytes32ToBackendKey(b [32]byte) BackendKey {
	return BackendKey(b)
}

// --- Selector Implementation ---

// Selector is the fixed-width 4-byte callback discriminator identifying
// which handler a backend settles its flash advance through. The zero value
// is reserved: it would silently match uninitialized registry storage and
// is rejected at registration time.
type Selector [4]byte

// SelectorFromSignature derives a selector from a function signature string
// the same way EVM calldata selectors are derived: the first four bytes of
// the keccak256 hash.
func SelectorFromSignature(sig string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(sig))[:4])
	return s
}

// IsZero reports whether the selector is the reserved zero value.
func (s Selector) IsZero() bool {
	return s == Selector{}
}

// String returns the hex string representation of the selector.
func (s Selector) String() string {
	return "0x" + hex.EncodeToString(s[:])
}
