// Package aavev3 is a flash-lending backend with Aave-V3 semantics: a
// single pool address lends any asset it holds and charges a premium in
// basis points on the amount.
package aavev3

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrInsufficientLiquidity = errors.New("aavev3: insufficient pool liquidity")
	ErrNotRepaid             = errors.New("aavev3: advance not repaid with premium")
)

// DefaultPremiumBps matches the mainnet flash-loan premium of 0.05%.
const DefaultPremiumBps = 5

var callbackSelector = engine.SelectorFromSignature("executeOperation(address,uint256,uint256,address,bytes)")

// Pool lends from its own bank balance. Its backend key is its address.
type Pool struct {
	addr       common.Address
	bank       *bank.Bank
	premiumBps uint64
}

func New(b *bank.Bank, addr common.Address, premiumBps uint64) *Pool {
	return &Pool{addr: addr, bank: b, premiumBps: premiumBps}
}

func (p *Pool) Key() engine.BackendKey {
	return engine.AddressToBackendKey(p.addr)
}

func (p *Pool) Address() common.Address {
	return p.addr
}

func (p *Pool) Selector() engine.Selector {
	return callbackSelector
}

// FlashFee quotes the premium for borrowing amount, truncating toward zero.
func (p *Pool) FlashFee(asset common.Address, amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.premiumBps))
	return fee.Quo(fee, engine.BpsDenominator)
}

// FlashLoan sends amount to the borrower, invokes its callback, and
// requires the pool balance to have grown by exactly the premium.
func (p *Pool) FlashLoan(borrower engine.FlashBorrower, asset common.Address, amount *big.Int, payload []byte) error {
	before := p.bank.BalanceOf(asset, p.addr)
	if before.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	fee := p.FlashFee(asset, amount)

	if err := p.bank.Transfer(asset, p.addr, borrower.Address(), amount); err != nil {
		return fmt.Errorf("aavev3: fund advance: %w", err)
	}
	if err := borrower.OnFlashLoan(p.Key(), callbackSelector, asset, amount, fee, payload); err != nil {
		return err
	}

	after := p.bank.BalanceOf(asset, p.addr)
	owed := new(big.Int).Add(before, fee)
	if after.Cmp(owed) != 0 {
		return ErrNotRepaid
	}
	return nil
}
