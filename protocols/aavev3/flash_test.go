package aavev3

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	poolAddr = common.HexToAddress("0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

// repayingBorrower pays back amount plus fee from its own balance.
type repayingBorrower struct {
	addr common.Address
	bank *bank.Bank
	to   common.Address

	gotCaller engine.BackendKey
	gotFee    *big.Int
}

func (b *repayingBorrower) Address() common.Address { return b.addr }

func (b *repayingBorrower) OnFlashLoan(caller engine.BackendKey, selector engine.Selector, asset common.Address, amount, fee *big.Int, payload []byte) error {
	b.gotCaller = caller
	b.gotFee = fee
	owed := new(big.Int).Add(amount, fee)
	return b.bank.Transfer(asset, b.addr, b.to, owed)
}

// defaultingBorrower keeps the money.
type defaultingBorrower struct{ addr common.Address }

func (b *defaultingBorrower) Address() common.Address { return b.addr }

func (b *defaultingBorrower) OnFlashLoan(engine.BackendKey, engine.Selector, common.Address, *big.Int, *big.Int, []byte) error {
	return nil
}

func TestFlashLoan(t *testing.T) {
	borrowerAddr := common.HexToAddress("0x1111000000000000000000000000000000001111")
	liquidity := big.NewInt(1_000_000)

	t.Run("Repaid_WithPremium", func(t *testing.T) {
		b := bank.New()
		b.Mint(usdc, poolAddr, liquidity)
		pool := New(b, poolAddr, DefaultPremiumBps)

		amount := big.NewInt(100_000)
		fee := pool.FlashFee(usdc, amount)
		assert.Zero(t, fee.Cmp(big.NewInt(50)))

		// Seed the borrower with just enough to cover the premium.
		b.Mint(usdc, borrowerAddr, fee)
		borrower := &repayingBorrower{addr: borrowerAddr, bank: b, to: poolAddr}

		require.NoError(t, pool.FlashLoan(borrower, usdc, amount, nil))
		assert.Equal(t, pool.Key(), borrower.gotCaller)
		assert.Zero(t, borrower.gotFee.Cmp(fee))

		want := new(big.Int).Add(liquidity, fee)
		assert.Zero(t, b.BalanceOf(usdc, poolAddr).Cmp(want))
	})

	t.Run("Default_Detected", func(t *testing.T) {
		b := bank.New()
		b.Mint(usdc, poolAddr, liquidity)
		pool := New(b, poolAddr, DefaultPremiumBps)

		err := pool.FlashLoan(&defaultingBorrower{addr: borrowerAddr}, usdc, big.NewInt(100_000), nil)
		assert.ErrorIs(t, err, ErrNotRepaid)
	})

	t.Run("OverLiquidity_Rejected", func(t *testing.T) {
		b := bank.New()
		b.Mint(usdc, poolAddr, liquidity)
		pool := New(b, poolAddr, DefaultPremiumBps)

		err := pool.FlashLoan(&defaultingBorrower{addr: borrowerAddr}, usdc, big.NewInt(2_000_000), nil)
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	})
}
