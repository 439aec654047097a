package comet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/leverage-engine-go/pkg/bank"
	"github.com/defistate/leverage-engine-go/pkg/permit"
)

var (
	marketAddr = common.HexToAddress("0xc3d688B66703497DAA19211EEdff47f25384cdc3")
	usdc       = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	usdcFeed   = common.HexToAddress("0x0001000000000000000000000000000000000001")
	weth       = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	wethFeed   = common.HexToAddress("0x0001000000000000000000000000000000000002")

	alice = common.HexToAddress("0xaaaa00000000000000000000000000000000aaaa")
	bob   = common.HexToAddress("0xbbbb00000000000000000000000000000000bbbb")
)

func e8(n int64) *big.Int  { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e8)) }
func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18)) }

// newTestMarket lists WETH at $2000 with a 0.8 borrow factor against a $1
// USDC base, funds the market with base liquidity, and gives alice one
// thousand WETH in the bank.
func newTestMarket(t *testing.T) (*Market, *bank.Bank) {
	t.Helper()
	b := bank.New()
	m, err := New(Config{
		Address:   marketAddr,
		BaseAsset: usdc,
		BaseFeed:  usdcFeed,
		BaseScale: big.NewInt(1e6),
		Bank:      b,
		Assets: []AssetConfig{{
			Asset:                     weth,
			PriceFeed:                 wethFeed,
			Scale:                     big.NewInt(1e18),
			BorrowCollateralFactor:    big.NewInt(8e17),
			LiquidateCollateralFactor: big.NewInt(85e16),
		}},
		Now: func() uint64 { return 1_000 },
	})
	require.NoError(t, err)

	m.SetPrice(usdcFeed, e8(1))
	m.SetPrice(wethFeed, e8(2000))

	b.Mint(usdc, marketAddr, new(big.Int).Mul(big.NewInt(10_000_000), big.NewInt(1e6)))
	b.Mint(weth, alice, e18(1000))
	return m, b
}

func TestSupplyWithdraw(t *testing.T) {
	t.Run("SupplyCollateral_MovesTokensAndCredits", func(t *testing.T) {
		m, b := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))

		assert.Zero(t, m.CollateralBalanceOf(alice, weth).Cmp(e18(10)))
		assert.Zero(t, b.BalanceOf(weth, alice).Cmp(e18(990)))
	})

	t.Run("WithdrawBase_OpensBorrow", func(t *testing.T) {
		m, b := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))

		// 10 WETH x $2000 x 0.8 = $16,000 capacity.
		borrow := new(big.Int).Mul(big.NewInt(15_000), big.NewInt(1e6))
		require.NoError(t, m.Withdraw(alice, alice, alice, usdc, borrow))

		assert.Zero(t, m.BorrowBalanceOf(alice).Cmp(borrow))
		assert.Zero(t, b.BalanceOf(usdc, alice).Cmp(borrow))
	})

	t.Run("WithdrawBase_RejectsUndercollateralized", func(t *testing.T) {
		m, _ := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))

		tooMuch := new(big.Int).Mul(big.NewInt(16_001), big.NewInt(1e6))
		err := m.Withdraw(alice, alice, alice, usdc, tooMuch)
		assert.ErrorIs(t, err, ErrNotCollateralized)
		assert.Zero(t, m.BorrowBalanceOf(alice).Sign())
	})

	t.Run("SupplyBase_RepaysDebt", func(t *testing.T) {
		m, _ := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))
		borrow := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e6))
		require.NoError(t, m.Withdraw(alice, alice, alice, usdc, borrow))

		repay := new(big.Int).Mul(big.NewInt(4_000), big.NewInt(1e6))
		require.NoError(t, m.Supply(alice, alice, alice, usdc, repay))

		want := new(big.Int).Mul(big.NewInt(6_000), big.NewInt(1e6))
		assert.Zero(t, m.BorrowBalanceOf(alice).Cmp(want))
	})

	t.Run("WithdrawCollateral_RejectsWhileIndebted", func(t *testing.T) {
		m, _ := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))
		borrow := new(big.Int).Mul(big.NewInt(15_000), big.NewInt(1e6))
		require.NoError(t, m.Withdraw(alice, alice, alice, usdc, borrow))

		err := m.Withdraw(alice, alice, alice, weth, e18(5))
		assert.ErrorIs(t, err, ErrNotCollateralized)
		assert.Zero(t, m.CollateralBalanceOf(alice, weth).Cmp(e18(10)))
	})

	t.Run("UnlistedAsset_Rejected", func(t *testing.T) {
		m, b := newTestMarket(t)
		unknown := common.HexToAddress("0xdddd00000000000000000000000000000000dddd")
		b.Mint(unknown, alice, e18(1))
		assert.ErrorIs(t, m.Supply(alice, alice, alice, unknown, e18(1)), ErrAssetNotListed)
	})
}

func TestAllowances(t *testing.T) {
	t.Run("OperatorWithoutAllowance_Rejected", func(t *testing.T) {
		m, _ := newTestMarket(t)
		err := m.Supply(bob, alice, alice, weth, e18(1))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("Allow_GrantsOperator", func(t *testing.T) {
		m, _ := newTestMarket(t)
		m.Allow(alice, bob, true)
		require.True(t, m.IsAllowed(alice, bob))
		assert.NoError(t, m.Supply(bob, alice, alice, weth, e18(1)))
	})

	t.Run("AllowBySig_GrantsAndBumpsNonce", func(t *testing.T) {
		m, b := newTestMarket(t)
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		owner := crypto.PubkeyToAddress(key.PublicKey)
		b.Mint(weth, owner, e18(5))

		auth := permit.Authorization{
			Market: marketAddr, Owner: owner, Manager: bob,
			Allowed: true, Nonce: 0, Expiry: 2_000,
		}
		sig, err := permit.Sign(auth, key)
		require.NoError(t, err)

		require.NoError(t, m.AllowBySig(owner, bob, true, 0, 2_000, sig))
		assert.True(t, m.IsAllowed(owner, bob))
		assert.Equal(t, uint64(1), m.Nonce(owner))

		// Replay with the same nonce must fail.
		assert.ErrorIs(t, m.AllowBySig(owner, bob, true, 0, 2_000, sig), permit.ErrBadNonce)
	})

	t.Run("AllowBySig_RejectsExpired", func(t *testing.T) {
		m, _ := newTestMarket(t)
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		owner := crypto.PubkeyToAddress(key.PublicKey)

		auth := permit.Authorization{
			Market: marketAddr, Owner: owner, Manager: bob,
			Allowed: true, Nonce: 0, Expiry: 500,
		}
		sig, err := permit.Sign(auth, key)
		require.NoError(t, err)
		assert.ErrorIs(t, m.AllowBySig(owner, bob, true, 0, 500, sig), permit.ErrExpired)
	})
}

func TestSnapshots(t *testing.T) {
	t.Run("Revert_RestoresPositions", func(t *testing.T) {
		m, _ := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))

		id := m.Snapshot()
		borrow := new(big.Int).Mul(big.NewInt(5_000), big.NewInt(1e6))
		require.NoError(t, m.Withdraw(alice, alice, alice, usdc, borrow))
		require.NoError(t, m.Withdraw(alice, alice, alice, weth, e18(1)))

		m.RevertToSnapshot(id)
		assert.Zero(t, m.BorrowBalanceOf(alice).Sign())
		assert.Zero(t, m.CollateralBalanceOf(alice, weth).Cmp(e18(10)))
	})

	t.Run("Discard_Commits", func(t *testing.T) {
		m, _ := newTestMarket(t)
		require.NoError(t, m.Supply(alice, alice, alice, weth, e18(10)))

		id := m.Snapshot()
		borrow := new(big.Int).Mul(big.NewInt(5_000), big.NewInt(1e6))
		require.NoError(t, m.Withdraw(alice, alice, alice, usdc, borrow))
		m.DiscardSnapshot(id)

		assert.Zero(t, m.BorrowBalanceOf(alice).Cmp(borrow))
	})
}
