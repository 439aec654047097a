// Package uniswapv3 is a flash-lending backend with Uniswap-V3 pool
// semantics: each pool is its own contract and charges its swap fee tier,
// expressed in hundredths of a basis point, on flash loans.
package uniswapv3

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrInsufficientLiquidity = errors.New("uniswapv3: insufficient pool liquidity")
	ErrNotRepaid             = errors.New("uniswapv3: advance not repaid with fee")
)

var callbackSelector = engine.SelectorFromSignature("uniswapV3FlashCallback(uint256,uint256,bytes)")

// pipDenominator is the fee-tier denominator: 1_000_000 pips = 100%.
var pipDenominator = big.NewInt(1_000_000)

// Pool lends from its own bank balance. Its backend key is its address.
type Pool struct {
	addr    common.Address
	bank    *bank.Bank
	feePips uint64
}

func New(b *bank.Bank, addr common.Address, feePips uint64) *Pool {
	return &Pool{addr: addr, bank: b, feePips: feePips}
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

// FlashFee quotes the fee-tier charge on amount, rounding up the way the
// pool contract does.
func (p *Pool) FlashFee(asset common.Address, amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.feePips))
	fee.Add(fee, new(big.Int).Sub(pipDenominator, big.NewInt(1)))
	return fee.Quo(fee, pipDenominator)
}

// FlashLoan sends amount to the borrower, invokes its callback, and
// requires the pool balance to have grown by exactly the fee.
func (p *Pool) FlashLoan(borrower engine.FlashBorrower, asset common.Address, amount *big.Int, payload []byte) error {
	before := p.bank.BalanceOf(asset, p.addr)
	if before.Cmp(amount) < 0 {
		return ErrInsufficientLiquidity
	}
	fee := p.FlashFee(asset, amount)

	if err := p.bank.Transfer(asset, p.addr, borrower.Address(), amount); err != nil {
		return fmt.Errorf("uniswapv3: fund advance: %w", err)
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
