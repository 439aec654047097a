// Package permit implements the signed operator-authorization scheme used
// by the market ledger's AllowBySig path: an owner signs a typed message
// naming a manager, and anyone may submit the signature on their behalf.
package permit

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrExpired          = errors.New("permit: authorization expired")
	ErrBadNonce         = errors.New("permit: nonce already used or out of order")
	ErrInvalidSignature = errors.New("permit: invalid signature")
	ErrWrongSigner      = errors.New("permit: signature does not match owner")
)

// domainTag separates authorization digests from any other signed payload
// in the system.
var domainTag = []byte("MarketAuthorization(v1)")

// Authorization is the typed message an owner signs to grant or revoke a
// manager. Market binds the signature to one ledger instance; Nonce and
// Expiry make it single-use and time-bounded.
type Authorization struct {
	Market  common.Address
	Owner   common.Address
	Manager common.Address
	Allowed bool
	Nonce   uint64
	Expiry  uint64
}

// Digest returns the keccak256 hash the owner signs.
func (a Authorization) Digest() common.Hash {
	buf := make([]byte, 0, len(domainTag)+3*common.AddressLength+1+16)
	buf = append(buf, domainTag...)
	buf = append(buf, a.Market.Bytes()...)
	buf = append(buf, a.Owner.Bytes()...)
	buf = append(buf, a.Manager.Bytes()...)
	if a.Allowed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, a.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, a.Expiry)
	return common.BytesToHash(crypto.Keccak256(buf))
}

// Sign produces the 65-byte [R || S || V] signature over the digest.
func Sign(a Authorization, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(a.Digest().Bytes(), key)
}

// Recover returns the address that signed the authorization.
func Recover(a Authorization, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(a.Digest().Bytes(), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig was produced by a.Owner over a's digest.
func Verify(a Authorization, sig []byte) error {
	signer, err := Recover(a, sig)
	if err != nil {
		return err
	}
	if signer != a.Owner {
		return ErrWrongSigner
	}
	return nil
}
