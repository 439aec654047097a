package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInvalidSnapshot     = errors.New("bank: unknown snapshot id")
)

// Bank is the shared in-memory balance store for every component in a
// simulated transaction: users, the engine, the market, flash lenders and
// swap venues all hold their token and native balances here.
//
// Snapshot/RevertToSnapshot give callers whole-transaction revert
// semantics: the orchestration engine snapshots at saga entry and reverts
// on any failure, so a failed saga leaves every balance byte-for-byte
// unchanged. Naming follows go-ethereum's StateDB.
type Bank struct {
	tokens map[common.Address]map[common.Address]*big.Int // asset -> holder -> balance
	native map[common.Address]*big.Int

	snapshots []*bankState
}

type bankState struct {
	tokens map[common.Address]map[common.Address]*big.Int
	native map[common.Address]*big.Int
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{
		tokens: make(map[common.Address]map[common.Address]*big.Int),
		native: make(map[common.Address]*big.Int),
	}
}

// Mint credits freshly created units of asset to holder. Test and
// construction-time helper; sagas only move existing balances.
func (b *Bank) Mint(asset, holder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	bal := b.balance(asset, holder)
	bal.Add(bal, amount)
}

// MintNative credits native currency to holder.
func (b *Bank) MintNative(holder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	bal := b.nativeBalance(holder)
	bal.Add(bal, amount)
}

// BalanceOf returns a copy of holder's balance in asset.
func (b *Bank) BalanceOf(asset, holder common.Address) *big.Int {
	if holders, ok := b.tokens[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

// NativeBalanceOf returns a copy of holder's native balance.
func (b *Bank) NativeBalanceOf(holder common.Address) *big.Int {
	if bal, ok := b.native[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Transfer moves amount of asset from one holder to another.
func (b *Bank) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := b.balance(asset, from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: asset %s holder %s has %s, needs %s",
			ErrInsufficientBalance, asset.Hex(), from.Hex(), fromBal, amount)
	}
	fromBal.Sub(fromBal, amount)
	toBal := b.balance(asset, to)
	toBal.Add(toBal, amount)
	return nil
}

// WrapNative converts amount of holder's native balance into the wrapped
// token, mirroring a WETH-style deposit.
func (b *Bank) WrapNative(wrapped, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	bal := b.nativeBalance(holder)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: native holder %s has %s, needs %s",
			ErrInsufficientBalance, holder.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	tokenBal := b.balance(wrapped, holder)
	tokenBal.Add(tokenBal, amount)
	return nil
}

// TransferNative moves native currency between holders.
func (b *Bank) TransferNative(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := b.nativeBalance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: native holder %s has %s, needs %s",
			ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	fromBal.Sub(fromBal, amount)
	toBal := b.nativeBalance(to)
	toBal.Add(toBal, amount)
	return nil
}

// Snapshot records the current state and returns an id usable with
// RevertToSnapshot.
func (b *Bank) Snapshot() int {
	b.snapshots = append(b.snapshots, &bankState{
		tokens: copyTokens(b.tokens),
		native: copyBalances(b.native),
	})
	return len(b.snapshots) - 1
}

// RevertToSnapshot restores the state recorded at id and discards it along
// with every later snapshot.
func (b *Bank) RevertToSnapshot(id int) {
	if id < 0 || id >= len(b.snapshots) {
		panic(ErrInvalidSnapshot)
	}
	snap := b.snapshots[id]
	b.tokens = copyTokens(snap.tokens)
	b.native = copyBalances(snap.native)
	b.snapshots = b.snapshots[:id]
}

// DiscardSnapshot drops the snapshot at id (and any later ones) without
// reverting, releasing the memory once a saga commits.
func (b *Bank) DiscardSnapshot(id int) {
	if id < 0 || id >= len(b.snapshots) {
		return
	}
	b.snapshots = b.snapshots[:id]
}

func (b *Bank) balance(asset, holder common.Address) *big.Int {
	holders, ok := b.tokens[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.tokens[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	return bal
}

func (b *Bank) nativeBalance(holder common.Address) *big.Int {
	bal, ok := b.native[holder]
	if !ok {
		bal = new(big.Int)
		b.native[holder] = bal
	}
	return bal
}

func copyTokens(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	dst := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for asset, holders := range src {
		dst[asset] = copyBalances(holders)
	}
	return dst
}

func copyBalances(src map[common.Address]*big.Int) map[common.Address]*big.Int {
	dst := make(map[common.Address]*big.Int, len(src))
	for holder, bal := range src {
		dst[holder] = new(big.Int).Set(bal)
	}
	return dst
}
