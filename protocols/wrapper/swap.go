// Package wrapper is a swap backend for 1:rate wrapped-asset pairs
// (wstETH/stETH style): conversions happen at a fixed exchange rate with
// no fee and no price impact, filled from the wrapper's own inventory.
package wrapper

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrUnsupportedPair       = errors.New("wrapper: asset pair not supported")
	ErrInsufficientInventory = errors.New("wrapper: insufficient inventory")
)

// rateScale is the 1e18 denominator of the exchange rate.
var rateScale = big.NewInt(1_000_000_000_000_000_000)

// Converter swaps between one wrapped/unwrapped pair at a fixed rate:
// unwrapping pays amount x rate / 1e18, wrapping pays amount x 1e18 / rate.
type Converter struct {
	addr      common.Address
	bank      *bank.Bank
	wrapped   common.Address
	unwrapped common.Address
	rate      *big.Int
}

func New(b *bank.Bank, addr, wrapped, unwrapped common.Address, rate *big.Int) (*Converter, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, errors.New("wrapper: rate must be positive")
	}
	return &Converter{
		addr:      addr,
		bank:      b,
		wrapped:   wrapped,
		unwrapped: unwrapped,
		rate:      new(big.Int).Set(rate),
	}, nil
}

func (c *Converter) Key() engine.BackendKey {
	return engine.AddressToBackendKey(c.addr)
}

// Swap converts between the pair at the fixed rate, truncating toward
// zero. Routing data is ignored.
func (c *Converter) Swap(caller, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, routing []byte) (*big.Int, error) {
	var out *big.Int
	switch {
	case assetIn == c.wrapped && assetOut == c.unwrapped:
		out = new(big.Int).Mul(amountIn, c.rate)
		out.Quo(out, rateScale)
	case assetIn == c.unwrapped && assetOut == c.wrapped:
		out = new(big.Int).Mul(amountIn, rateScale)
		out.Quo(out, c.rate)
	default:
		return nil, ErrUnsupportedPair
	}

	if c.bank.BalanceOf(assetOut, c.addr).Cmp(out) < 0 {
		return nil, ErrInsufficientInventory
	}
	if err := c.bank.Transfer(assetIn, caller, c.addr, amountIn); err != nil {
		return nil, fmt.Errorf("wrapper: pull input: %w", err)
	}
	if err := c.bank.Transfer(assetOut, c.addr, caller, out); err != nil {
		return nil, fmt.Errorf("wrapper: pay output: %w", err)
	}
	return out, nil
}
