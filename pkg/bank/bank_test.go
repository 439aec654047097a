package bank

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBank(t *testing.T) {
	asset := common.HexToAddress("0xA0")
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")

	t.Run("Transfer_MovesBalance", func(t *testing.T) {
		b := New()
		b.Mint(asset, alice, big.NewInt(100))

		require.NoError(t, b.Transfer(asset, alice, bob, big.NewInt(40)))
		assert.Equal(t, big.NewInt(60), b.BalanceOf(asset, alice))
		assert.Equal(t, big.NewInt(40), b.BalanceOf(asset, bob))
	})

	t.Run("Transfer_RejectsOverdraft", func(t *testing.T) {
		b := New()
		b.Mint(asset, alice, big.NewInt(10))

		err := b.Transfer(asset, alice, bob, big.NewInt(11))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, big.NewInt(10), b.BalanceOf(asset, alice))
	})

	t.Run("Transfer_RejectsNegative", func(t *testing.T) {
		b := New()
		err := b.Transfer(asset, alice, bob, big.NewInt(-1))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("WrapNative_ConvertsToToken", func(t *testing.T) {
		b := New()
		weth := common.HexToAddress("0xEE")
		b.MintNative(alice, big.NewInt(100))

		require.NoError(t, b.WrapNative(weth, alice, big.NewInt(30)))
		assert.Equal(t, big.NewInt(70), b.NativeBalanceOf(alice))
		assert.Equal(t, big.NewInt(30), b.BalanceOf(weth, alice))

		err := b.WrapNative(weth, alice, big.NewInt(1000))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("Snapshot_RevertRestoresState", func(t *testing.T) {
		b := New()
		b.Mint(asset, alice, big.NewInt(100))
		b.MintNative(bob, big.NewInt(5))

		id := b.Snapshot()
		require.NoError(t, b.Transfer(asset, alice, bob, big.NewInt(99)))
		require.NoError(t, b.TransferNative(bob, alice, big.NewInt(5)))

		b.RevertToSnapshot(id)
		assert.Equal(t, big.NewInt(100), b.BalanceOf(asset, alice))
		assert.Equal(t, big.NewInt(0), b.BalanceOf(asset, bob))
		assert.Equal(t, big.NewInt(5), b.NativeBalanceOf(bob))
	})

	t.Run("Snapshot_Nested", func(t *testing.T) {
		b := New()
		b.Mint(asset, alice, big.NewInt(100))

		outer := b.Snapshot()
		require.NoError(t, b.Transfer(asset, alice, bob, big.NewInt(10)))
		inner := b.Snapshot()
		require.NoError(t, b.Transfer(asset, alice, bob, big.NewInt(10)))

		b.RevertToSnapshot(inner)
		assert.Equal(t, big.NewInt(90), b.BalanceOf(asset, alice))

		b.RevertToSnapshot(outer)
		assert.Equal(t, big.NewInt(100), b.BalanceOf(asset, alice))
	})

	t.Run("DiscardSnapshot_Commits", func(t *testing.T) {
		b := New()
		b.Mint(asset, alice, big.NewInt(100))

		id := b.Snapshot()
		require.NoError(t, b.Transfer(asset, alice, bob, big.NewInt(25)))
		b.DiscardSnapshot(id)

		assert.Equal(t, big.NewInt(75), b.BalanceOf(asset, alice))
		assert.Panics(t, func() { b.RevertToSnapshot(id) })
	})
}
