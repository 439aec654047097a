package engine

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/leverage-engine-go/pkg/bank"
)

// Config wires an Engine to its collaborators. Everything here is fixed at
// construction: the plugin registry is write-once and backend rotation
// requires a new engine instance.
type Config struct {
	Ledger Ledger
	Bank   *bank.Bank

	// Address is the engine's own account in the bank and its operator
	// identity on the ledger.
	Address common.Address
	// Treasury receives balances swept by Rescue.
	Treasury common.Address
	// WrappedNative is the wrapped form of the chain's native asset.
	WrappedNative common.Address

	// MaxLeverageBps caps Multiply's leverage factor (10000 = 1x).
	MaxLeverageBps uint64

	Plugins  []PluginEntry
	Lenders  []FlashLender
	Swappers []Swapper

	DefaultLender  BackendKey
	DefaultSwapper BackendKey

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *Config) validate() error {
	if c.Ledger == nil || c.Bank == nil {
		return ErrNilDependency
	}
	if c.Address == (common.Address{}) {
		return fmt.Errorf("%w: engine address", ErrZeroAddress)
	}
	if c.Treasury == (common.Address{}) {
		return fmt.Errorf("%w: treasury", ErrZeroAddress)
	}
	if c.WrappedNative == (common.Address{}) {
		return fmt.Errorf("%w: wrapped native asset", ErrZeroAddress)
	}
	if c.MaxLeverageBps <= 10_000 {
		return fmt.Errorf("%w: max leverage must exceed 1x", ErrInvalidLeverage)
	}
	return nil
}

// Engine is the plugin dispatch and flash-advance orchestration core. It
// owns no user balances between transactions; its only persistent state is
// the immutable plugin registry.
type Engine struct {
	ledger        Ledger
	bank          *bank.Bank
	addr          common.Address
	treasury      common.Address
	wrappedNative common.Address

	maxLeverageBps uint64

	registry *Registry
	lenders  map[BackendKey]FlashLender
	swappers map[BackendKey]Swapper

	defaultLender  BackendKey
	defaultSwapper BackendKey

	snapshotters []Snapshotter

	log     *slog.Logger
	metrics *Metrics

	mu   sync.Mutex
	busy bool
	auth authenticator
}

// New constructs an engine, building the write-once plugin registry from
// the configured entries and indexing backend instances by key.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.Plugins)
	if err != nil {
		return nil, err
	}

	lenders := make(map[BackendKey]FlashLender, len(cfg.Lenders))
	for _, l := range cfg.Lenders {
		lenders[l.Key()] = l
	}
	swappers := make(map[BackendKey]Swapper, len(cfg.Swappers))
	for _, s := range cfg.Swappers {
		swappers[s.Key()] = s
	}

	if !cfg.DefaultLender.IsZero() {
		if _, ok := lenders[cfg.DefaultLender]; !ok {
			return nil, fmt.Errorf("%w: default lender %s", ErrUnknownBackend, cfg.DefaultLender)
		}
	}
	if !cfg.DefaultSwapper.IsZero() {
		if _, ok := swappers[cfg.DefaultSwapper]; !ok {
			return nil, fmt.Errorf("%w: default swapper %s", ErrUnknownBackend, cfg.DefaultSwapper)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		ledger:         cfg.Ledger,
		bank:           cfg.Bank,
		addr:           cfg.Address,
		treasury:       cfg.Treasury,
		wrappedNative:  cfg.WrappedNative,
		maxLeverageBps: cfg.MaxLeverageBps,
		registry:       registry,
		lenders:        lenders,
		swappers:       swappers,
		defaultLender:  cfg.DefaultLender,
		defaultSwapper: cfg.DefaultSwapper,
		log:            logger.With("component", "leverage-engine"),
		metrics:        cfg.Metrics,
	}

	e.snapshotters = append(e.snapshotters, cfg.Bank)
	if s, ok := cfg.Ledger.(Snapshotter); ok {
		e.snapshotters = append(e.snapshotters, s)
	}
	for _, l := range cfg.Lenders {
		if s, ok := l.(Snapshotter); ok {
			e.snapshotters = append(e.snapshotters, s)
		}
	}
	for _, sw := range cfg.Swappers {
		if s, ok := sw.(Snapshotter); ok {
			e.snapshotters = append(e.snapshotters, s)
		}
	}

	return e, nil
}

// Address returns the engine's own account address.
func (e *Engine) Address() common.Address {
	return e.addr
}

// Registry exposes the immutable plugin registry for inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// --- Receipts ---

// MultiplyReceipt reports the amounts moved by a successful Multiply.
type MultiplyReceipt struct {
	User            common.Address
	CollateralAsset common.Address
	PrincipalIn     *big.Int
	Advanced        *big.Int
	Fee             *big.Int
	SwappedOut      *big.Int
	SuppliedTotal   *big.Int
	DebtAdded       *big.Int
}

// CoverReceipt reports the amounts moved by a successful Cover.
type CoverReceipt struct {
	User            common.Address
	CollateralAsset common.Address
	Repaid          *big.Int
	Fee             *big.Int
	Withdrawn       *big.Int
	SwappedOut      *big.Int
	Surplus         *big.Int
	Closed          bool
}

// ExchangeReceipt reports the amounts moved by a successful Exchange.
type ExchangeReceipt struct {
	User      common.Address
	FromAsset common.Address
	ToAsset   common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Advanced  *big.Int
	Fee       *big.Int
}

// --- Multiply ---

// Multiply increases the user's leveraged exposure to collateralAsset: the
// user's principal plus a flash-borrowed, swapped tranche of base asset is
// supplied as collateral, and the advance is repaid by borrowing against
// the enlarged position.
func (e *Engine) Multiply(user, collateralAsset common.Address, amountIn *big.Int, leverageBps uint64, minAmountOut *big.Int, routing []byte) (*MultiplyReceipt, error) {
	return e.multiply(user, collateralAsset, amountIn, leverageBps, minAmountOut, routing, false)
}

// MultiplyNative is Multiply with the principal paid in native currency.
// The wrap into the market's wrapped-native asset runs inside the saga's
// snapshot scope, so a failed multiply hands the native balance back.
func (e *Engine) MultiplyNative(user common.Address, amountIn *big.Int, leverageBps uint64, minAmountOut *big.Int, routing []byte) (*MultiplyReceipt, error) {
	return e.multiply(user, e.wrappedNative, amountIn, leverageBps, minAmountOut, routing, true)
}

func (e *Engine) multiply(user, collateralAsset common.Address, amountIn *big.Int, leverageBps uint64, minAmountOut *big.Int, routing []byte, fromNative bool) (receipt *MultiplyReceipt, err error) {
	start := time.Now()
	defer func() { e.metrics.observeOp("multiply", time.Since(start).Seconds(), err) }()

	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmountIn
	}
	if leverageBps <= 10_000 || leverageBps > e.maxLeverageBps {
		return nil, ErrInvalidLeverage
	}

	if err = e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	base := e.ledger.BaseAsset()
	if collateralAsset == base {
		return nil, ErrInvalidSwapParameters
	}
	if !e.ledger.IsAllowed(user, e.addr) {
		return nil, ErrOperatorNotAllowed
	}

	lender, err := e.resolveLender(BackendKey{})
	if err != nil {
		return nil, err
	}
	swapper, err := e.resolveSwapper(BackendKey{})
	if err != nil {
		return nil, err
	}

	col, err := e.assetData(collateralAsset)
	if err != nil {
		return nil, err
	}
	baseData, err := e.assetData(base)
	if err != nil {
		return nil, err
	}

	borrowTarget := borrowTargetFor(amountIn, leverageBps, col, baseData)
	if borrowTarget.Sign() == 0 {
		return nil, ErrInvalidLeverage
	}
	fee := lender.FlashFee(base, borrowTarget)

	snaps := e.snapshotAll()
	defer func() { e.finish(snaps, err) }()

	if fromNative {
		if err = e.bank.WrapNative(e.wrappedNative, user, amountIn); err != nil {
			return nil, fmt.Errorf("wrap native: %w", err)
		}
	}
	if err = e.bank.Transfer(collateralAsset, user, e.addr, amountIn); err != nil {
		return nil, fmt.Errorf("pull principal: %w", err)
	}

	ticket := &loanTicket{
		op:               opMultiply,
		expectedAsset:    base,
		expectedAmount:   borrowTarget,
		expectedFee:      fee,
		authorizedCaller: lender.Key(),
		requester:        user,
		collateralAsset:  collateralAsset,
		amountIn:         amountIn,
		minAmountOut:     minAmountOut,
		swapper:          swapper,
		lender:           lender,
		payload:          routing,
	}
	if err = e.advance(ticket); err != nil {
		return nil, err
	}

	debtAdded := new(big.Int).Add(borrowTarget, fee)
	receipt = &MultiplyReceipt{
		User:            user,
		CollateralAsset: collateralAsset,
		PrincipalIn:     amountIn,
		Advanced:        borrowTarget,
		Fee:             fee,
		SwappedOut:      ticket.amountOut,
		SuppliedTotal:   ticket.suppliedTotal,
		DebtAdded:       debtAdded,
	}
	e.log.Info("multiply executed",
		"user", user,
		"collateral", collateralAsset,
		"principal", amountIn,
		"advanced", borrowTarget,
		"fee", fee,
		"supplied", ticket.suppliedTotal,
	)
	return receipt, nil
}

// MultiplyWithPermit is Multiply preceded by a one-shot signature
// authorization naming the engine as the user's operator.
func (e *Engine) MultiplyWithPermit(user, collateralAsset common.Address, amountIn *big.Int, leverageBps uint64, minAmountOut *big.Int, routing []byte, nonce, expiry uint64, sig []byte) (*MultiplyReceipt, error) {
	if err := e.ledger.AllowBySig(user, e.addr, true, nonce, expiry, sig); err != nil {
		return nil, fmt.Errorf("permit: %w", err)
	}
	return e.Multiply(user, collateralAsset, amountIn, leverageBps, minAmountOut, routing)
}

func (e *Engine) settleMultiply(t *loanTicket, amount, fee *big.Int) error {
	out, err := t.swapper.Swap(e.addr, t.expectedAsset, t.collateralAsset, amount, t.minAmountOut, t.payload)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	if t.minAmountOut != nil && out.Cmp(t.minAmountOut) < 0 {
		return ErrInsufficientAmountOut
	}

	total := new(big.Int).Add(t.amountIn, out)
	if err := e.ledger.Supply(e.addr, e.addr, t.requester, t.collateralAsset, total); err != nil {
		return fmt.Errorf("supply collateral: %w", err)
	}

	owed := new(big.Int).Add(amount, fee)
	projected := new(big.Int).Add(e.ledger.BorrowBalanceOf(t.requester), owed)
	ok, err := IsBorrowCollateralized(e.ledger, t.requester, projected)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCollateralized
	}

	if err := e.ledger.Withdraw(e.addr, t.requester, e.addr, t.expectedAsset, owed); err != nil {
		return fmt.Errorf("borrow base: %w", err)
	}
	if err := e.bank.Transfer(t.expectedAsset, e.addr, t.lender.Address(), owed); err != nil {
		return fmt.Errorf("repay advance: %w", err)
	}

	t.amountOut = out
	t.suppliedTotal = total
	return nil
}

// --- Cover ---

// Cover decreases leverage or fully closes the position: a flash-borrowed
// tranche of base asset repays debt, the freed collateral is swapped back
// to base to settle the advance, and any surplus goes to the user. Passing
// MaxUint256 as requestedAmount targets the entire outstanding debt.
func (e *Engine) Cover(user, collateralAsset common.Address, requestedAmount, minAmountOut *big.Int, routing []byte) (receipt *CoverReceipt, err error) {
	start := time.Now()
	defer func() { e.metrics.observeOp("cover", time.Since(start).Seconds(), err) }()

	if requestedAmount == nil || requestedAmount.Sign() <= 0 {
		return nil, ErrInvalidAmountIn
	}

	if err = e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	base := e.ledger.BaseAsset()
	if collateralAsset == base {
		return nil, ErrInvalidSwapParameters
	}
	if !e.ledger.IsAllowed(user, e.addr) {
		return nil, ErrOperatorNotAllowed
	}

	debt := e.ledger.BorrowBalanceOf(user)
	if debt.Sign() == 0 {
		return nil, ErrNothingToDeleverage
	}

	collateralBalance := e.ledger.CollateralBalanceOf(user, collateralAsset)
	closeAll := requestedAmount.Cmp(MaxUint256) == 0

	withdrawAmount := requestedAmount
	if closeAll {
		withdrawAmount = collateralBalance
	}
	if withdrawAmount.Sign() == 0 || withdrawAmount.Cmp(collateralBalance) > 0 {
		return nil, ErrInvalidCollateralAmount
	}

	lender, err := e.resolveLender(BackendKey{})
	if err != nil {
		return nil, err
	}
	swapper, err := e.resolveSwapper(BackendKey{})
	if err != nil {
		return nil, err
	}

	flashAmount := debt
	if !closeAll {
		col, err := e.assetData(collateralAsset)
		if err != nil {
			return nil, err
		}
		baseData, err := e.assetData(base)
		if err != nil {
			return nil, err
		}
		flashAmount = debtPortionFor(withdrawAmount, col, baseData)
		if flashAmount.Cmp(debt) > 0 {
			flashAmount = debt
		}
	}
	// A portion that truncates to zero would burn a flash fee for a
	// zero-effect call.
	if flashAmount.Sign() == 0 {
		return nil, ErrInvalidLeverage
	}
	fee := lender.FlashFee(base, flashAmount)

	snaps := e.snapshotAll()
	defer func() { e.finish(snaps, err) }()

	ticket := &loanTicket{
		op:               opCover,
		expectedAsset:    base,
		expectedAmount:   flashAmount,
		expectedFee:      fee,
		authorizedCaller: lender.Key(),
		requester:        user,
		collateralAsset:  collateralAsset,
		amountIn:         withdrawAmount,
		minAmountOut:     minAmountOut,
		closeAll:         closeAll,
		swapper:          swapper,
		lender:           lender,
		payload:          routing,
	}
	if err = e.advance(ticket); err != nil {
		return nil, err
	}

	receipt = &CoverReceipt{
		User:            user,
		CollateralAsset: collateralAsset,
		Repaid:          flashAmount,
		Fee:             fee,
		Withdrawn:       withdrawAmount,
		SwappedOut:      ticket.amountOut,
		Surplus:         ticket.surplus,
		Closed:          closeAll,
	}
	e.log.Info("cover executed",
		"user", user,
		"collateral", collateralAsset,
		"repaid", flashAmount,
		"fee", fee,
		"withdrawn", withdrawAmount,
		"surplus", ticket.surplus,
		"closed", closeAll,
	)
	return receipt, nil
}

// CoverWithPermit is Cover preceded by a one-shot signature authorization.
func (e *Engine) CoverWithPermit(user, collateralAsset common.Address, requestedAmount, minAmountOut *big.Int, routing []byte, nonce, expiry uint64, sig []byte) (*CoverReceipt, error) {
	if err := e.ledger.AllowBySig(user, e.addr, true, nonce, expiry, sig); err != nil {
		return nil, fmt.Errorf("permit: %w", err)
	}
	return e.Cover(user, collateralAsset, requestedAmount, minAmountOut, routing)
}

func (e *Engine) settleCover(t *loanTicket, amount, fee *big.Int) error {
	if err := e.ledger.Supply(e.addr, e.addr, t.requester, t.expectedAsset, amount); err != nil {
		return fmt.Errorf("repay debt: %w", err)
	}
	if err := e.ledger.Withdraw(e.addr, t.requester, e.addr, t.collateralAsset, t.amountIn); err != nil {
		return fmt.Errorf("withdraw collateral: %w", err)
	}

	proceeds, err := t.swapper.Swap(e.addr, t.collateralAsset, t.expectedAsset, t.amountIn, t.minAmountOut, t.payload)
	if err != nil {
		return fmt.Errorf("swap: %w", err)
	}
	if t.minAmountOut != nil && proceeds.Cmp(t.minAmountOut) < 0 {
		return ErrInsufficientAmountOut
	}

	owed := new(big.Int).Add(amount, fee)
	if proceeds.Cmp(owed) < 0 {
		return ErrCannotRepayAdvance
	}
	if err := e.bank.Transfer(t.expectedAsset, e.addr, t.lender.Address(), owed); err != nil {
		return fmt.Errorf("repay advance: %w", err)
	}

	surplus := new(big.Int).Sub(proceeds, owed)
	if surplus.Sign() > 0 {
		if err := e.bank.Transfer(t.expectedAsset, e.addr, t.requester, surplus); err != nil {
			return fmt.Errorf("forward surplus: %w", err)
		}
	}

	t.amountOut = proceeds
	t.surplus = surplus
	return nil
}

// --- Exchange ---

// ExchangeOpts selects the backends for one Exchange call. Zero keys fall
// back to the engine defaults.
type ExchangeOpts struct {
	Lender  BackendKey
	Swapper BackendKey
}

// Exchange swaps one collateral asset for another without changing debt.
// Debt-free positions settle directly; indebted positions flash-repay the
// full debt so the position is never observably undercollateralized while
// collateral moves. The liquidity drop across the swap is bounded by
// maxDropBps: switching into a lower-factor asset is a leverage-reducing
// event even though no debt changes, and is bounded like one.
func (e *Engine) Exchange(opts ExchangeOpts, user, fromAsset, toAsset common.Address, fromAmount, minAmountOut *big.Int, maxDropBps uint64, routing []byte) (receipt *ExchangeReceipt, err error) {
	start := time.Now()
	defer func() { e.metrics.observeOp("exchange", time.Since(start).Seconds(), err) }()

	if fromAsset == toAsset {
		return nil, ErrInvalidSwapParameters
	}
	if fromAmount == nil || fromAmount.Sign() <= 0 {
		return nil, ErrInvalidSwapParameters
	}
	if minAmountOut == nil || minAmountOut.Sign() <= 0 {
		return nil, ErrInvalidSwapParameters
	}

	if err = e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	base := e.ledger.BaseAsset()
	if fromAsset == base || toAsset == base {
		return nil, ErrInvalidSwapParameters
	}
	if !e.ledger.IsAllowed(user, e.addr) {
		return nil, ErrOperatorNotAllowed
	}

	collateralBalance := e.ledger.CollateralBalanceOf(user, fromAsset)
	if fromAmount.Cmp(collateralBalance) > 0 {
		return nil, ErrInvalidCollateralAmount
	}

	swapper, err := e.resolveSwapper(opts.Swapper)
	if err != nil {
		return nil, err
	}

	debt := e.ledger.BorrowBalanceOf(user)

	if debt.Sign() == 0 {
		snaps := e.snapshotAll()
		defer func() { e.finish(snaps, err) }()

		var out *big.Int
		out, err = e.moveCollateral(user, fromAsset, toAsset, fromAmount, minAmountOut, maxDropBps, swapper, routing)
		if err != nil {
			return nil, err
		}
		receipt = &ExchangeReceipt{
			User:      user,
			FromAsset: fromAsset,
			ToAsset:   toAsset,
			AmountIn:  fromAmount,
			AmountOut: out,
			Advanced:  new(big.Int),
			Fee:       new(big.Int),
		}
		e.log.Info("exchange executed",
			"user", user, "from", fromAsset, "to", toAsset,
			"amount_in", fromAmount, "amount_out", out,
		)
		return receipt, nil
	}

	lender, err := e.resolveLender(opts.Lender)
	if err != nil {
		return nil, err
	}
	fee := lender.FlashFee(base, debt)

	snaps := e.snapshotAll()
	defer func() { e.finish(snaps, err) }()

	ticket := &loanTicket{
		op:               opExchange,
		expectedAsset:    base,
		expectedAmount:   debt,
		expectedFee:      fee,
		authorizedCaller: lender.Key(),
		requester:        user,
		collateralAsset:  fromAsset,
		toAsset:          toAsset,
		amountIn:         fromAmount,
		minAmountOut:     minAmountOut,
		maxDropBps:       maxDropBps,
		swapper:          swapper,
		lender:           lender,
		payload:          routing,
	}
	if err = e.advance(ticket); err != nil {
		return nil, err
	}

	receipt = &ExchangeReceipt{
		User:      user,
		FromAsset: fromAsset,
		ToAsset:   toAsset,
		AmountIn:  fromAmount,
		AmountOut: ticket.amountOut,
		Advanced:  debt,
		Fee:       fee,
	}
	e.log.Info("exchange executed",
		"user", user, "from", fromAsset, "to", toAsset,
		"amount_in", fromAmount, "amount_out", ticket.amountOut,
		"advanced", debt, "fee", fee,
	)
	return receipt, nil
}

func (e *Engine) settleExchange(t *loanTicket, amount, fee *big.Int) error {
	if err := e.ledger.Supply(e.addr, e.addr, t.requester, t.expectedAsset, amount); err != nil {
		return fmt.Errorf("repay debt: %w", err)
	}

	out, err := e.moveCollateral(t.requester, t.collateralAsset, t.toAsset, t.amountIn, t.minAmountOut, t.maxDropBps, t.swapper, t.payload)
	if err != nil {
		return err
	}

	owed := new(big.Int).Add(amount, fee)
	if err := e.ledger.Withdraw(e.addr, t.requester, e.addr, t.expectedAsset, owed); err != nil {
		return fmt.Errorf("re-borrow base: %w", err)
	}
	if err := e.bank.Transfer(t.expectedAsset, e.addr, t.lender.Address(), owed); err != nil {
		return fmt.Errorf("repay advance: %w", err)
	}

	t.amountOut = out
	return nil
}

// moveCollateral withdraws fromAmount of fromAsset, swaps it, checks the
// liquidity-drop guard, and supplies the proceeds as toAsset. Shared by
// both Exchange paths; the caller guarantees debt is zero while it runs.
func (e *Engine) moveCollateral(user, fromAsset, toAsset common.Address, fromAmount, minAmountOut *big.Int, maxDropBps uint64, swapper Swapper, routing []byte) (*big.Int, error) {
	from, err := e.assetData(fromAsset)
	if err != nil {
		return nil, err
	}
	to, err := e.assetData(toAsset)
	if err != nil {
		return nil, err
	}
	preLiquidity := Liquidity(fromAmount, from.price, from.info.Scale, from.info.BorrowCollateralFactor)

	if err := e.ledger.Withdraw(e.addr, user, e.addr, fromAsset, fromAmount); err != nil {
		return nil, fmt.Errorf("withdraw collateral: %w", err)
	}

	out, err := swapper.Swap(e.addr, fromAsset, toAsset, fromAmount, minAmountOut, routing)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}
	if out.Cmp(minAmountOut) < 0 {
		return nil, ErrInsufficientAmountOut
	}

	postLiquidity := Liquidity(out, to.price, to.info.Scale, to.info.BorrowCollateralFactor)
	if !WithinDropTolerance(preLiquidity, postLiquidity, maxDropBps) {
		return nil, ErrHealthDropExceeded
	}

	if err := e.ledger.Supply(e.addr, e.addr, user, toAsset, out); err != nil {
		return nil, fmt.Errorf("supply collateral: %w", err)
	}
	return out, nil
}

// --- Rescue ---

// Rescue sweeps any balance accidentally left on the engine to the
// configured treasury. Passing the zero address sweeps native currency.
// Operational safety valve, not part of the hot path.
func (e *Engine) Rescue(asset common.Address) (swept *big.Int, err error) {
	if err = e.acquire(); err != nil {
		return nil, err
	}
	defer e.release()

	if asset == (common.Address{}) {
		swept = e.bank.NativeBalanceOf(e.addr)
		if swept.Sign() > 0 {
			if err = e.bank.TransferNative(e.addr, e.treasury, swept); err != nil {
				return nil, err
			}
		}
	} else {
		swept = e.bank.BalanceOf(asset, e.addr)
		if swept.Sign() > 0 {
			if err = e.bank.Transfer(asset, e.addr, e.treasury, swept); err != nil {
				return nil, err
			}
		}
	}
	if swept.Sign() > 0 {
		e.log.Info("rescue swept", "asset", asset, "amount", swept)
	}
	return swept, nil
}

// --- Flash callback entry point ---

// OnFlashLoan is the engine's single callback entry point, invoked by a
// lending backend while it holds the engine's flash advance. The caller
// identity, selector registration, and loan data are authenticated against
// the live loan ticket before any ledger or swap side effect runs.
func (e *Engine) OnFlashLoan(caller BackendKey, selector Selector, asset common.Address, amount, fee *big.Int, payload []byte) error {
	t, err := e.auth.authenticate(e.registry, caller, selector, asset, amount, fee)
	if err != nil {
		return err
	}

	switch t.op {
	case opMultiply:
		err = e.settleMultiply(t, amount, fee)
	case opCover:
		err = e.settleCover(t, amount, fee)
	case opExchange:
		err = e.settleExchange(t, amount, fee)
	default:
		err = ErrInvalidFlashLoanData
	}
	if err != nil {
		return err
	}

	e.auth.reset()
	return nil
}

// --- Internals ---

type assetData struct {
	info  AssetInfo
	price *big.Int
}

func (e *Engine) assetData(asset common.Address) (assetData, error) {
	info, err := e.ledger.AssetInfoByAddress(asset)
	if err != nil {
		return assetData{}, err
	}
	price, err := e.ledger.Price(info.PriceFeed)
	if err != nil {
		return assetData{}, err
	}
	return assetData{info: info, price: price}, nil
}

// borrowTargetFor computes the base-asset amount that must be borrowed and
// converted into collateral to reach the target exposure: the principal's
// value times (leverage - 1), re-denominated in base units. Truncates at
// every division.
func borrowTargetFor(amountIn *big.Int, leverageBps uint64, col, base assetData) *big.Int {
	extra := new(big.Int).SetUint64(leverageBps - 10_000)
	extra.Mul(extra, amountIn)
	extra.Quo(extra, BpsDenominator)

	v := new(big.Int).Mul(extra, col.price)
	v.Quo(v, col.info.Scale)
	v.Mul(v, base.info.Scale)
	v.Quo(v, base.price)
	return v
}

// debtPortionFor values a collateral amount in base units: the debt
// attributable to unwinding exactly that much collateral at current price.
func debtPortionFor(collateralAmount *big.Int, col, base assetData) *big.Int {
	v := new(big.Int).Mul(collateralAmount, col.price)
	v.Quo(v, col.info.Scale)
	v.Mul(v, base.info.Scale)
	v.Quo(v, base.price)
	return v
}

func (e *Engine) resolveLender(key BackendKey) (FlashLender, error) {
	if key.IsZero() {
		key = e.defaultLender
	}
	l, ok := e.lenders[key]
	if !ok {
		return nil, fmt.Errorf("%w: lender %s", ErrUnknownBackend, key)
	}
	if !e.registry.IsRegistered(l.Key(), l.Selector()) {
		return nil, fmt.Errorf("%w: lender %s selector %s", ErrUnknownPlugin, l.Key(), l.Selector())
	}
	return l, nil
}

func (e *Engine) resolveSwapper(key BackendKey) (Swapper, error) {
	if key.IsZero() {
		key = e.defaultSwapper
	}
	s, ok := e.swappers[key]
	if !ok {
		return nil, fmt.Errorf("%w: swapper %s", ErrUnknownBackend, key)
	}
	return s, nil
}

// advance arms the authenticator, requests the loan, and verifies the
// backend actually settled through the callback before returning.
func (e *Engine) advance(t *loanTicket) error {
	if err := e.auth.beginAdvance(t); err != nil {
		return err
	}
	defer e.auth.reset()

	e.metrics.observeAdvance(t.lender.Key())
	if err := t.lender.FlashLoan(e, t.expectedAsset, t.expectedAmount, t.payload); err != nil {
		return err
	}
	if e.auth.state != stateIdle {
		return fmt.Errorf("%w: backend returned without settling", ErrInvalidFlashLoanData)
	}
	return nil
}

// acquire marks the engine busy for one top-level call. A second top-level
// call while one is in flight fails rather than queues.
func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return ErrAdvanceInProgress
	}
	e.busy = true
	return nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
}

func (e *Engine) snapshotAll() []int {
	ids := make([]int, len(e.snapshotters))
	for i, s := range e.snapshotters {
		ids[i] = s.Snapshot()
	}
	return ids
}

// finish reverts every collaborator on failure and discards the snapshots
// on success, in reverse acquisition order.
func (e *Engine) finish(ids []int, err error) {
	for i := len(e.snapshotters) - 1; i >= 0; i-- {
		if err != nil {
			e.snapshotters[i].RevertToSnapshot(ids[i])
		} else {
			e.snapshotters[i].DiscardSnapshot(ids[i])
		}
	}
}
