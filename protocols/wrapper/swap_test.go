package wrapper

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	convAddr = common.HexToAddress("0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0")
	wsteth   = common.HexToAddress("0x7f39C581F595B53c5cb19bD0b3f8dA6c935E2Ca0")
	steth    = common.HexToAddress("0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84")
	holder   = common.HexToAddress("0x4444000000000000000000000000000000004444")
)

func TestConverter(t *testing.T) {
	// 1 wstETH = 1.15 stETH.
	rate := big.NewInt(1_150_000_000_000_000_000)

	newConverter := func(t *testing.T) (*Converter, *bank.Bank) {
		t.Helper()
		b := bank.New()
		c, err := New(b, convAddr, wsteth, steth, rate)
		require.NoError(t, err)
		inventory := new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))
		b.Mint(wsteth, convAddr, inventory)
		b.Mint(steth, convAddr, inventory)
		return c, b
	}

	t.Run("Unwrap_AppliesRate", func(t *testing.T) {
		c, b := newConverter(t)
		in := new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
		b.Mint(wsteth, holder, in)

		out, err := c.Swap(holder, wsteth, steth, in, nil, nil)
		require.NoError(t, err)

		// 10 x 1.15 = 11.5 stETH.
		want := new(big.Int).Mul(big.NewInt(115), big.NewInt(1e17))
		assert.Zero(t, out.Cmp(want))
	})

	t.Run("Wrap_InvertsRate", func(t *testing.T) {
		c, b := newConverter(t)
		in := new(big.Int).Mul(big.NewInt(115), big.NewInt(1e17)) // 11.5 stETH
		b.Mint(steth, holder, in)

		out, err := c.Swap(holder, steth, wsteth, in, nil, nil)
		require.NoError(t, err)
		assert.Zero(t, out.Cmp(new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))))
	})

	t.Run("UnknownPair_Rejected", func(t *testing.T) {
		c, _ := newConverter(t)
		other := common.HexToAddress("0x5555000000000000000000000000000000005555")
		_, err := c.Swap(holder, other, steth, big.NewInt(1), nil, nil)
		assert.ErrorIs(t, err, ErrUnsupportedPair)
	})
}
