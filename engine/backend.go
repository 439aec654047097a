package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FlashLender is the capability every liquidity backend exposes: lend amount
// of asset to the engine, call back into the engine's registered selector
// with (amount, fee, payload), and fail the whole call unless the lender's
// balance grew by at least amount+fee when the callback returns.
type FlashLender interface {
	// Key is the backend's normalized registry identity, including any
	// pool sub-identity.
	Key() BackendKey
	// Address is the account holding the backend's liquidity, to which
	// repayment must flow.
	Address() common.Address
	// Selector is the callback discriminator this backend settles through.
	Selector() Selector
	// FlashFee quotes the fee charged on a loan of amount.
	FlashFee(asset common.Address, amount *big.Int) *big.Int
	// FlashLoan lends amount of asset to the borrower, invokes the
	// borrower's callback, and verifies repayment of amount+fee.
	FlashLoan(borrower FlashBorrower, asset common.Address, amount *big.Int, payload []byte) error
}

// FlashBorrower is the callback surface a FlashLender settles through. The
// engine is the only implementation; the lender reports its own identity,
// the selector it was configured with, and the loan terms it is settling.
type FlashBorrower interface {
	Address() common.Address
	OnFlashLoan(caller BackendKey, selector Selector, asset common.Address, amount, fee *big.Int, payload []byte) error
}

// Swapper is the capability every swap venue exposes: convert amountIn of
// assetIn into at least minAmountOut of assetOut for the caller, using
// opaque routing data produced off-chain. The engine never interprets the
// routing data and independently re-checks minAmountOut.
type Swapper interface {
	Key() BackendKey
	Swap(caller, assetIn, assetOut common.Address, amountIn, minAmountOut *big.Int, routing []byte) (*big.Int, error)
}

// AssetInfo is the per-asset risk data read from the ledger. Prices from
// the referenced feed are PriceScale-scaled; factors are FactorScale-scaled.
type AssetInfo struct {
	PriceFeed                 common.Address
	Scale                     *big.Int
	BorrowCollateralFactor    *big.Int
	LiquidateCollateralFactor *big.Int
}

// Ledger is the external money market the engine mutates positions on. The
// engine never holds a local copy of a position across calls; it re-reads
// fresh values after every external call that could have changed them.
//
// Borrowing is modeled the Compound-V3 way: withdrawing the base asset
// against collateral creates debt, supplying base repays it.
type Ledger interface {
	BaseAsset() common.Address
	CollateralAssets() []common.Address

	// Supply moves amount of asset from `from` into the market, credited
	// to dst's position. operator must be `from` or hold dst's allowance.
	Supply(operator, from, dst, asset common.Address, amount *big.Int) error
	// Withdraw moves amount of asset out of src's position to `to`.
	// operator must be src or hold src's allowance. Withdrawing base
	// beyond the supplied balance borrows, subject to collateralization.
	Withdraw(operator, src, to, asset common.Address, amount *big.Int) error

	CollateralBalanceOf(user, asset common.Address) *big.Int
	BorrowBalanceOf(user common.Address) *big.Int

	AssetInfoByAddress(asset common.Address) (AssetInfo, error)
	Price(feed common.Address) (*big.Int, error)

	IsAllowed(owner, manager common.Address) bool
	AllowBySig(owner, manager common.Address, allowed bool, nonce uint64, expiry uint64, sig []byte) error
}

// Snapshotter is implemented by every stateful collaborator the engine must
// be able to roll back as a unit: the bank, the ledger, and any venue with
// internal accounting. Naming follows go-ethereum's StateDB.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	// DiscardSnapshot releases the snapshot once the saga commits.
	DiscardSnapshot(id int)
}
