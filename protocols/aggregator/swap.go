// Package aggregator is a swap backend modeled on off-chain-routed
// aggregators: the routing data carries a pre-computed quote and the
// venue fills it exactly from its own inventory. The engine never
// interprets the routing bytes; only this backend does.
package aggregator

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
)

var (
	ErrMissingQuote          = errors.New("aggregator: routing data carries no quote")
	ErrInsufficientInventory = errors.New("aggregator: insufficient inventory for quote")
)

// Router fills swaps at the quoted amount. Its backend key is its address.
type Router struct {
	addr common.Address
	bank *bank.Bank
}

func New(b *bank.Bank, addr common.Address) *Router {
	return &Router{addr: addr, bank: b}
}

func (r *Router) Key() engine.BackendKey {
	return engine.AddressToBackendKey(r.addr)
}

func (r *Router) Address() common.Address {
	return r.addr
}

// EncodeQuote packs a fill amount into routing data as a big-endian
// 32-byte integer.
func EncodeQuote(amountOut *big.Int) []byte {
	buf := make([]byte, 32)
	return amountOut.FillBytes(buf)
}

// Swap pulls amountIn from the caller and pays out exactly the quote
// decoded from the routing data. The caller's minAmountOut is not enforced
// here; the quote is what the route produced.
func (r *Router) Swap(caller, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, routing []byte) (*big.Int, error) {
	if len(routing) == 0 || len(routing) > 32 {
		return nil, ErrMissingQuote
	}
	quote := new(big.Int).SetBytes(routing)
	if quote.Sign() <= 0 {
		return nil, ErrMissingQuote
	}

	if r.bank.BalanceOf(assetOut, r.addr).Cmp(quote) < 0 {
		return nil, ErrInsufficientInventory
	}
	if err := r.bank.Transfer(assetIn, caller, r.addr, amountIn); err != nil {
		return nil, fmt.Errorf("aggregator: pull input: %w", err)
	}
	if err := r.bank.Transfer(assetOut, r.addr, caller, quote); err != nil {
		return nil, fmt.Errorf("aggregator: pay output: %w", err)
	}
	return quote, nil
}
