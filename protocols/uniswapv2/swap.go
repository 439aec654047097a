// Package uniswapv2 is a swap backend with constant-product pair
// semantics: a two-asset pool quoting x*y=k with a 30 bps fee taken on
// input, reserves tracked as uint256 words.
package uniswapv2

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrUnsupportedPair       = errors.New("uniswapv2: asset pair not in pool")
	ErrInsufficientLiquidity = errors.New("uniswapv2: insufficient reserves")
	ErrAmountOverflow        = errors.New("uniswapv2: amount exceeds uint256")
)

// Pair is one constant-product pool. Its backend key is its address; its
// token custody lives in the shared bank and mirrors the reserves.
type Pair struct {
	addr   common.Address
	bank   *bank.Bank
	asset0 common.Address
	asset1 common.Address

	reserve0 *uint256.Int
	reserve1 *uint256.Int

	snapshots []pairSnapshot
}

type pairSnapshot struct {
	reserve0 *uint256.Int
	reserve1 *uint256.Int
}

// New creates a pair and seeds its reserves, minting the matching custody
// into the bank.
func New(b *bank.Bank, addr, asset0, asset1 common.Address, reserve0, reserve1 *big.Int) (*Pair, error) {
	r0, overflow := uint256.FromBig(reserve0)
	if overflow {
		return nil, ErrAmountOverflow
	}
	r1, overflow := uint256.FromBig(reserve1)
	if overflow {
		return nil, ErrAmountOverflow
	}
	b.Mint(asset0, addr, reserve0)
	b.Mint(asset1, addr, reserve1)
	return &Pair{
		addr:     addr,
		bank:     b,
		asset0:   asset0,
		asset1:   asset1,
		reserve0: r0,
		reserve1: r1,
	}, nil
}

func (p *Pair) Key() engine.BackendKey {
	return engine.AddressToBackendKey(p.addr)
}

// Reserves returns copies of the current reserves in asset0, asset1 order.
func (p *Pair) Reserves() (*big.Int, *big.Int) {
	return p.reserve0.ToBig(), p.reserve1.ToBig()
}

// quoteOut applies the 997/1000 input fee:
// out = (in * 997 * reserveOut) / (reserveIn * 1000 + in * 997).
func quoteOut(amountIn, reserveIn, reserveOut *uint256.Int) *uint256.Int {
	inWithFee := new(uint256.Int).Mul(amountIn, uint256.NewInt(997))
	numerator := new(uint256.Int).Mul(inWithFee, reserveOut)
	denominator := new(uint256.Int).Mul(reserveIn, uint256.NewInt(1000))
	denominator.Add(denominator, inWithFee)
	if denominator.IsZero() {
		return uint256.NewInt(0)
	}
	return numerator.Div(numerator, denominator)
}

// Swap pulls amountIn from the caller, pays out the constant-product
// quote, and updates the reserves. Routing data is ignored: the pair has
// exactly one route.
func (p *Pair) Swap(caller, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, routing []byte) (*big.Int, error) {
	var reserveIn, reserveOut *uint256.Int
	switch {
	case assetIn == p.asset0 && assetOut == p.asset1:
		reserveIn, reserveOut = p.reserve0, p.reserve1
	case assetIn == p.asset1 && assetOut == p.asset0:
		reserveIn, reserveOut = p.reserve1, p.reserve0
	default:
		return nil, ErrUnsupportedPair
	}

	in, overflow := uint256.FromBig(amountIn)
	if overflow {
		return nil, ErrAmountOverflow
	}
	out := quoteOut(in, reserveIn, reserveOut)
	if out.IsZero() || out.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}

	amountOut := out.ToBig()
	if err := p.bank.Transfer(assetIn, caller, p.addr, amountIn); err != nil {
		return nil, fmt.Errorf("uniswapv2: pull input: %w", err)
	}
	if err := p.bank.Transfer(assetOut, p.addr, caller, amountOut); err != nil {
		return nil, fmt.Errorf("uniswapv2: pay output: %w", err)
	}

	reserveIn.Add(reserveIn, in)
	reserveOut.Sub(reserveOut, out)
	return amountOut, nil
}

// Snapshot pushes a copy of the reserves; bank custody is snapshotted
// separately by the caller.
func (p *Pair) Snapshot() int {
	p.snapshots = append(p.snapshots, pairSnapshot{
		reserve0: new(uint256.Int).Set(p.reserve0),
		reserve1: new(uint256.Int).Set(p.reserve1),
	})
	return len(p.snapshots) - 1
}

func (p *Pair) RevertToSnapshot(id int) {
	if id < 0 || id >= len(p.snapshots) {
		panic(fmt.Sprintf("uniswapv2: invalid snapshot id %d", id))
	}
	s := p.snapshots[id]
	p.reserve0 = s.reserve0
	p.reserve1 = s.reserve1
	p.snapshots = p.snapshots[:id]
}

func (p *Pair) DiscardSnapshot(id int) {
	if id < 0 || id >= len(p.snapshots) {
		panic(fmt.Sprintf("uniswapv2: invalid snapshot id %d", id))
	}
	p.snapshots = p.snapshots[:id]
}
