// Package comet is an in-memory money market with Compound-V3 semantics:
// one base asset that accrues signed balances (negative principal is debt),
// a fixed list of collateral assets with per-asset collateral factors, and
// operator allowances granted directly or by signature.
package comet

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/engine"
	"github.com/defistate/leverage-engine-go/pkg/bank"
	"github.com/defistate/leverage-engine-go/pkg/permit"
)

var (
	ErrAssetNotListed         = errors.New("comet: asset not listed")
	ErrUnknownPriceFeed       = errors.New("comet: unknown price feed")
	ErrInsufficientCollateral = errors.New("comet: insufficient collateral")
	ErrNotCollateralized      = errors.New("comet: position not collateralized")
	ErrUnauthorized           = errors.New("comet: operator not allowed")
	ErrInvalidAmount          = errors.New("comet: amount must be positive")
)

// AssetConfig lists one collateral asset at construction time.
type AssetConfig struct {
	Asset                     common.Address
	PriceFeed                 common.Address
	Scale                     *big.Int
	BorrowCollateralFactor    *big.Int
	LiquidateCollateralFactor *big.Int
}

// Config fixes the market's asset universe. The listing is immutable after
// construction, matching the on-chain deployment model.
type Config struct {
	Address   common.Address
	BaseAsset common.Address
	BaseFeed  common.Address
	BaseScale *big.Int
	Assets    []AssetConfig
	Bank      *bank.Bank

	// Now supplies the clock for signature expiry checks. Defaults to the
	// wall clock.
	Now func() uint64
}

// assetIndex provides indexed access to the immutable asset listing.
type assetIndex struct {
	byAddress map[common.Address]AssetConfig
	ordered   []common.Address
}

func newAssetIndex(assets []AssetConfig) *assetIndex {
	byAddress := make(map[common.Address]AssetConfig, len(assets))
	ordered := make([]common.Address, 0, len(assets))
	for _, a := range assets {
		byAddress[a.Asset] = a
		ordered = append(ordered, a.Asset)
	}
	return &assetIndex{byAddress: byAddress, ordered: ordered}
}

// Market implements the ledger the engine orchestrates against. Token
// custody lives in the shared bank under the market's own address; the
// market tracks principals, collateral, allowances, and prices.
type Market struct {
	addr      common.Address
	baseAsset common.Address
	baseFeed  common.Address
	baseScale *big.Int
	assets    *assetIndex
	bank      *bank.Bank
	now       func() uint64

	// basePrincipal is signed: positive is supplied base, negative is debt.
	basePrincipal map[common.Address]*big.Int
	collateral    map[common.Address]map[common.Address]*big.Int
	allowances    map[common.Address]map[common.Address]bool
	nonces        map[common.Address]uint64
	prices        map[common.Address]*big.Int

	snapshots []marketSnapshot
}

type marketSnapshot struct {
	basePrincipal map[common.Address]*big.Int
	collateral    map[common.Address]map[common.Address]*big.Int
	allowances    map[common.Address]map[common.Address]bool
	nonces        map[common.Address]uint64
	prices        map[common.Address]*big.Int
}

func New(cfg Config) (*Market, error) {
	if cfg.Bank == nil {
		return nil, errors.New("comet: bank is required")
	}
	if cfg.Address == (common.Address{}) || cfg.BaseAsset == (common.Address{}) {
		return nil, errors.New("comet: market and base asset addresses are required")
	}
	if cfg.BaseScale == nil || cfg.BaseScale.Sign() <= 0 {
		return nil, errors.New("comet: base scale must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}
	return &Market{
		addr:          cfg.Address,
		baseAsset:     cfg.BaseAsset,
		baseFeed:      cfg.BaseFeed,
		baseScale:     new(big.Int).Set(cfg.BaseScale),
		assets:        newAssetIndex(cfg.Assets),
		bank:          cfg.Bank,
		now:           now,
		basePrincipal: make(map[common.Address]*big.Int),
		collateral:    make(map[common.Address]map[common.Address]*big.Int),
		allowances:    make(map[common.Address]map[common.Address]bool),
		nonces:        make(map[common.Address]uint64),
		prices:        make(map[common.Address]*big.Int),
	}, nil
}

// Address returns the market's own account address.
func (m *Market) Address() common.Address { return m.addr }

// SetPrice posts a price on a feed, 1e8-scaled.
func (m *Market) SetPrice(feed common.Address, price *big.Int) {
	m.prices[feed] = new(big.Int).Set(price)
}

// BaseAsset returns the market's base (borrowable) asset.
func (m *Market) BaseAsset() common.Address { return m.baseAsset }

// CollateralAssets returns the listed collateral assets in listing order.
func (m *Market) CollateralAssets() []common.Address {
	out := make([]common.Address, len(m.assets.ordered))
	copy(out, m.assets.ordered)
	return out
}

// AssetInfoByAddress returns the listing for one collateral asset.
func (m *Market) AssetInfoByAddress(asset common.Address) (engine.AssetInfo, error) {
	if asset == m.baseAsset {
		return engine.AssetInfo{
			PriceFeed: m.baseFeed,
			Scale:     new(big.Int).Set(m.baseScale),
		}, nil
	}
	a, ok := m.assets.byAddress[asset]
	if !ok {
		return engine.AssetInfo{}, fmt.Errorf("%w: %s", ErrAssetNotListed, asset)
	}
	return engine.AssetInfo{
		PriceFeed:                 a.PriceFeed,
		Scale:                     new(big.Int).Set(a.Scale),
		BorrowCollateralFactor:    new(big.Int).Set(a.BorrowCollateralFactor),
		LiquidateCollateralFactor: new(big.Int).Set(a.LiquidateCollateralFactor),
	}, nil
}

// Price returns the latest posted price for a feed, 1e8-scaled.
func (m *Market) Price(feed common.Address) (*big.Int, error) {
	p, ok := m.prices[feed]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPriceFeed, feed)
	}
	return new(big.Int).Set(p), nil
}

// CollateralBalanceOf returns the user's balance of one collateral asset.
func (m *Market) CollateralBalanceOf(user, asset common.Address) *big.Int {
	if c, ok := m.collateral[user]; ok {
		if b, ok := c[asset]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

// BorrowBalanceOf returns the user's outstanding debt in base units, zero
// if the principal is non-negative.
func (m *Market) BorrowBalanceOf(user common.Address) *big.Int {
	p, ok := m.basePrincipal[user]
	if !ok || p.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(p)
}

// IsAllowed reports whether manager may act on owner's position.
func (m *Market) IsAllowed(owner, manager common.Address) bool {
	if owner == manager {
		return true
	}
	return m.allowances[owner][manager]
}

// Allow grants or revokes manager on the caller's own position.
func (m *Market) Allow(owner, manager common.Address, allowed bool) {
	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]bool)
	}
	m.allowances[owner][manager] = allowed
}

// Nonce returns the owner's next expected authorization nonce.
func (m *Market) Nonce(owner common.Address) uint64 {
	return m.nonces[owner]
}

// AllowBySig applies a signed, single-use operator authorization.
func (m *Market) AllowBySig(owner, manager common.Address, allowed bool, nonce, expiry uint64, sig []byte) error {
	if expiry < m.now() {
		return permit.ErrExpired
	}
	if nonce != m.nonces[owner] {
		return permit.ErrBadNonce
	}
	auth := permit.Authorization{
		Market:  m.addr,
		Owner:   owner,
		Manager: manager,
		Allowed: allowed,
		Nonce:   nonce,
		Expiry:  expiry,
	}
	if err := permit.Verify(auth, sig); err != nil {
		return err
	}
	m.nonces[owner] = nonce + 1
	m.Allow(owner, manager, allowed)
	return nil
}

// Supply moves amount of asset from `from`'s bank balance into dst's
// position. Supplying base repays dst's debt first; any excess becomes a
// positive base balance. The operator must be allowed on `from`.
func (m *Market) Supply(operator, from, dst, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !m.IsAllowed(from, operator) {
		return ErrUnauthorized
	}
	if asset != m.baseAsset {
		if _, ok := m.assets.byAddress[asset]; !ok {
			return fmt.Errorf("%w: %s", ErrAssetNotListed, asset)
		}
	}
	if err := m.bank.Transfer(asset, from, m.addr, amount); err != nil {
		return fmt.Errorf("comet: pull funds: %w", err)
	}

	if asset == m.baseAsset {
		p, ok := m.basePrincipal[dst]
		if !ok {
			p = new(big.Int)
		}
		m.basePrincipal[dst] = new(big.Int).Add(p, amount)
		return nil
	}

	if m.collateral[dst] == nil {
		m.collateral[dst] = make(map[common.Address]*big.Int)
	}
	bal, ok := m.collateral[dst][asset]
	if !ok {
		bal = new(big.Int)
	}
	m.collateral[dst][asset] = new(big.Int).Add(bal, amount)
	return nil
}

// Withdraw moves amount of asset out of src's position to `to`'s bank
// balance. Withdrawing more base than src has supplied opens or grows a
// borrow; the resulting position must stay borrow-collateralized. The
// operator must be allowed on src.
func (m *Market) Withdraw(operator, src, to, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if !m.IsAllowed(src, operator) {
		return ErrUnauthorized
	}

	if asset == m.baseAsset {
		p, ok := m.basePrincipal[src]
		if !ok {
			p = new(big.Int)
		}
		next := new(big.Int).Sub(p, amount)
		if next.Sign() < 0 {
			if err := m.checkCollateralized(src, new(big.Int).Neg(next)); err != nil {
				return err
			}
		}
		m.basePrincipal[src] = next
		if err := m.bank.Transfer(asset, m.addr, to, amount); err != nil {
			return fmt.Errorf("comet: pay out: %w", err)
		}
		return nil
	}

	if _, ok := m.assets.byAddress[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrAssetNotListed, asset)
	}
	bal := m.CollateralBalanceOf(src, asset)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientCollateral
	}
	m.collateral[src][asset] = new(big.Int).Sub(bal, amount)

	if debt := m.BorrowBalanceOf(src); debt.Sign() > 0 {
		if err := m.checkCollateralized(src, debt); err != nil {
			m.collateral[src][asset] = bal
			return err
		}
	}
	if err := m.bank.Transfer(asset, m.addr, to, amount); err != nil {
		return fmt.Errorf("comet: pay out: %w", err)
	}
	return nil
}

func (m *Market) checkCollateralized(user common.Address, debt *big.Int) error {
	ok, err := engine.IsBorrowCollateralized(m, user, debt)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCollateralized
	}
	return nil
}

// Snapshot pushes a deep copy of all position state. Token custody is
// snapshotted separately by the bank.
func (m *Market) Snapshot() int {
	m.snapshots = append(m.snapshots, marketSnapshot{
		basePrincipal: copyBalances(m.basePrincipal),
		collateral:    copyNested(m.collateral),
		allowances:    copyAllowances(m.allowances),
		nonces:        copyNonces(m.nonces),
		prices:        copyBalances(m.prices),
	})
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state captured at id and drops it together
// with every later snapshot. Panics on an unknown id, mirroring the bank.
func (m *Market) RevertToSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		panic(fmt.Sprintf("comet: invalid snapshot id %d", id))
	}
	s := m.snapshots[id]
	m.basePrincipal = s.basePrincipal
	m.collateral = s.collateral
	m.allowances = s.allowances
	m.nonces = s.nonces
	m.prices = s.prices
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot commits by dropping the snapshot at id and any above it.
func (m *Market) DiscardSnapshot(id int) {
	if id < 0 || id >= len(m.snapshots) {
		panic(fmt.Sprintf("comet: invalid snapshot id %d", id))
	}
	m.snapshots = m.snapshots[:id]
}

func copyBalances(src map[common.Address]*big.Int) map[common.Address]*big.Int {
	dst := make(map[common.Address]*big.Int, len(src))
	for k, v := range src {
		dst[k] = new(big.Int).Set(v)
	}
	return dst
}

func copyNested(src map[common.Address]map[common.Address]*big.Int) map[common.Address]map[common.Address]*big.Int {
	dst := make(map[common.Address]map[common.Address]*big.Int, len(src))
	for k, v := range src {
		dst[k] = copyBalances(v)
	}
	return dst
}

func copyAllowances(src map[common.Address]map[common.Address]bool) map[common.Address]map[common.Address]bool {
	dst := make(map[common.Address]map[common.Address]bool, len(src))
	for k, v := range src {
		inner := make(map[common.Address]bool, len(v))
		for k2, v2 := range v {
			inner[k2] = v2
		}
		dst[k] = inner
	}
	return dst
}

func copyNonces(src map[common.Address]uint64) map[common.Address]uint64 {
	dst := make(map[common.Address]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
