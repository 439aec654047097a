// Package balancerv2 is a fee-free flash-lending backend with Balancer-V2
// semantics: pools are identified by a 32-byte pool id while funds live in
// a shared vault address.
package balancerv2

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrInsufficientLiquidity = errors.New("balancerv2: insufficient vault liquidity")
	ErrNotRepaid             = errors.New("balancerv2: advance not repaid")
)

var callbackSelector = engine.SelectorFromSignature("receiveFlashLoan(address[],uint256[],uint256[],bytes)")

// Vault lends from the shared vault's bank balance. Its backend key is the
// pool's bytes32 id, distinct from the vault address holding the funds.
type Vault struct {
	poolID [32]byte
	addr   common.Address
	bank   *bank.Bank
}

func New(b *bank.Bank, vaultAddr common.Address, poolID [32]byte) *Vault {
	return &Vault{poolID: poolID, addr: vaultAddr, bank: b}
}

func (v *Vault) Key() engine.BackendKey {
	return engine.Bytes32ToBackendKey(v.poolID)
}

func (v *Vault) Address() common.Address {
	return v.addr
}

func (v *Vault) Selector() engine.Selector {
	return callbackSelector
}

// FlashFee is always zero: Balancer vault flash loans are free.
func (v *Vault) FlashFee(asset common.Address, amount *big.Int) *big.Int {
	return new(big.Int)
}

// FlashLoan sends amount to the borrower, invokes its callback, and
// requires the vault balance to be fully restored.
func (v *Vault) FlashLoan(borrower engine.FlashBorrower, asset common.Address, amount *big.Int, payload []byte) error {
	before := v.bank.BalanceOf(asset, v.addr)
	if before.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}

	if err := v.bank.Transfer(asset, v.addr, borrower.Address(), amount); err != nil {
		return fmt.Errorf("balancerv2: fund advance: %w", err)
	}
	if err := borrower.OnFlashLoan(v.Key(), callbackSelector, asset, amount, new(big.Int), payload); err != nil {
		return err
	}

	if v.bank.BalanceOf(asset, v.addr).Cmp(before) != 0 {
		return ErrNotRepaid
	}
	return nil
}
