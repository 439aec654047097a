package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Fixed-point conventions shared with the ledger: prices are 1e8-scaled,
// collateral factors 1e18-scaled, drop tolerances in basis points. All
// divisions truncate toward zero so boundary comparisons are deterministic.
var (
	// PriceScale is the denominator for oracle prices.
	PriceScale = big.NewInt(100_000_000)
	// FactorScale is the denominator for collateral factors.
	FactorScale = big.NewInt(1_000_000_000_000_000_000)
	// BpsDenominator is the basis-point denominator for tolerances and
	// leverage factors.
	BpsDenominator = big.NewInt(10_000)
)

// MaxUint256 is the "maximum" sentinel: passing it as the requested amount
// to Cover targets the entire outstanding debt and collateral.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Liquidity computes the borrowing capacity contributed by amount of an
// asset: amount x price / scale x collateralFactor / FactorScale, each
// division truncating toward zero. The result is a PriceScale-scaled value
// comparable across assets.
func Liquidity(amount, price, scale, collateralFactor *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(amount, price)
	v.Quo(v, scale)
	v.Mul(v, collateralFactor)
	v.Quo(v, FactorScale)
	return v
}

// BaseValue converts an amount of the base asset into the same
// PriceScale-scaled units Liquidity produces, with no factor applied.
func BaseValue(amount, price, scale *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return new(big.Int)
	}
	v := new(big.Int).Mul(amount, price)
	v.Quo(v, scale)
	return v
}

// WithinDropTolerance reports whether post liquidity is no more than
// dropBps basis points below pre liquidity. Integer cross-multiplication,
// no division: post x 10000 >= pre x (10000 - dropBps). At dropBps = 0 only
// post >= pre passes; at dropBps = 10000 the lower bound collapses to zero
// and the check always passes.
func WithinDropTolerance(pre, post *big.Int, dropBps uint64) bool {
	if dropBps >= 10_000 {
		return true
	}
	lhs := new(big.Int).Mul(post, BpsDenominator)
	keep := new(big.Int).SetUint64(10_000 - dropBps)
	rhs := new(big.Int).Mul(pre, keep)
	return lhs.Cmp(rhs) >= 0
}

// BorrowCapacity sums the liquidity of a user's posted collateral across
// the ledger's listed assets. Prices and factors are read fresh from the
// ledger at call time.
func BorrowCapacity(l Ledger, user common.Address) (*big.Int, error) {
	capacity := new(big.Int)
	for _, asset := range l.CollateralAssets() {
		balance := l.CollateralBalanceOf(user, asset)
		if balance.Sign() == 0 {
			continue
		}
		info, err := l.AssetInfoByAddress(asset)
		if err != nil {
			return nil, err
		}
		price, err := l.Price(info.PriceFeed)
		if err != nil {
			return nil, err
		}
		capacity.Add(capacity, Liquidity(balance, price, info.Scale, info.BorrowCollateralFactor))
	}
	return capacity, nil
}

// IsBorrowCollateralized reports whether the user's borrowing capacity
// covers a projected debt of debtBase base units.
func IsBorrowCollateralized(l Ledger, user common.Address, debtBase *big.Int) (bool, error) {
	if debtBase == nil || debtBase.Sign() == 0 {
		return true, nil
	}
	capacity, err := BorrowCapacity(l, user)
	if err != nil {
		return false, err
	}
	base := l.BaseAsset()
	baseInfo, err := l.AssetInfoByAddress(base)
	if err != nil {
		return false, err
	}
	basePrice, err := l.Price(baseInfo.PriceFeed)
	if err != nil {
		return false, err
	}
	debtValue := BaseValue(debtBase, basePrice, baseInfo.Scale)
	return capacity.Cmp(debtValue) >= 0, nil
}
