package uniswapv2

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	pairAddr = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	trader   = common.HexToAddress("0x2222000000000000000000000000000000002222")
)

func TestPairSwap(t *testing.T) {
	reserveUSDC := new(big.Int).Mul(big.NewInt(2_000_000), big.NewInt(1e6))
	reserveWETH := new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))

	newPair := func(t *testing.T) (*Pair, *bank.Bank) {
		t.Helper()
		b := bank.New()
		p, err := New(b, pairAddr, usdc, weth, reserveUSDC, reserveWETH)
		require.NoError(t, err)
		return p, b
	}

	t.Run("QuoteMatchesConstantProduct", func(t *testing.T) {
		p, b := newPair(t)
		amountIn := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e6))
		b.Mint(usdc, trader, amountIn)

		out, err := p.Swap(trader, usdc, weth, amountIn, nil, nil)
		require.NoError(t, err)

		// out = in*997*rOut / (rIn*1000 + in*997), computed independently.
		inFee := new(big.Int).Mul(amountIn, big.NewInt(997))
		num := new(big.Int).Mul(inFee, reserveWETH)
		den := new(big.Int).Mul(reserveUSDC, big.NewInt(1000))
		den.Add(den, inFee)
		want := num.Quo(num, den)

		assert.Zero(t, out.Cmp(want))
		assert.Zero(t, b.BalanceOf(weth, trader).Cmp(want))

		r0, r1 := p.Reserves()
		assert.Zero(t, r0.Cmp(new(big.Int).Add(reserveUSDC, amountIn)))
		assert.Zero(t, r1.Cmp(new(big.Int).Sub(reserveWETH, want)))
	})

	t.Run("ReverseDirection_Works", func(t *testing.T) {
		p, b := newPair(t)
		amountIn := new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))
		b.Mint(weth, trader, amountIn)

		out, err := p.Swap(trader, weth, usdc, amountIn, nil, nil)
		require.NoError(t, err)
		assert.Positive(t, out.Sign())
	})

	t.Run("UnknownAsset_Rejected", func(t *testing.T) {
		p, _ := newPair(t)
		other := common.HexToAddress("0x3333000000000000000000000000000000003333")
		_, err := p.Swap(trader, other, weth, big.NewInt(1), nil, nil)
		assert.ErrorIs(t, err, ErrUnsupportedPair)
	})

	t.Run("SnapshotRevert_RestoresReserves", func(t *testing.T) {
		p, b := newPair(t)
		amountIn := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e6))
		b.Mint(usdc, trader, amountIn)

		id := p.Snapshot()
		_, err := p.Swap(trader, usdc, weth, amountIn, nil, nil)
		require.NoError(t, err)
		p.RevertToSnapshot(id)

		r0, r1 := p.Reserves()
		assert.Zero(t, r0.Cmp(reserveUSDC))
		assert.Zero(t, r1.Cmp(reserveWETH))
	})
}
