package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// advanceState is the callback authenticator's explicit state enum. The
// transition Idle -> Armed -> Settling -> Idle is guarded by a single-entry
// check rather than relying on call-stack depth: every external backend
// call is treated as a potential reentry point.
type advanceState uint8

const (
	stateIdle advanceState = iota
	stateArmed
	stateSettling
)

// sagaOp tags which operation the in-flight loan ticket belongs to, so the
// callback handler can dispatch without interpreting the opaque payload.
type sagaOp uint8

const (
	opMultiply sagaOp = iota + 1
	opCover
	opExchange
)

// loanTicket is the authenticated context for one in-flight flash advance.
// Exactly one ticket is live at a time; it is owned exclusively by the
// engine for the duration of one top-level call and cleared on both the
// success and failure paths.
type loanTicket struct {
	op sagaOp

	// Values the engine itself requested, cross-checked against what the
	// backend reports back.
	expectedAsset  common.Address
	expectedAmount *big.Int
	expectedFee    *big.Int

	// The backend instance allowed to invoke the callback for this ticket.
	authorizedCaller BackendKey

	// The user on whose behalf the advance was taken.
	requester common.Address

	// Saga parameters carried across the callback boundary.
	collateralAsset common.Address
	toAsset         common.Address
	amountIn        *big.Int
	minAmountOut    *big.Int
	maxDropBps      uint64
	closeAll        bool
	swapper         Swapper
	lender          FlashLender

	// Opaque routing data forwarded to the swap step, never interpreted
	// by the engine.
	payload []byte

	// Results recorded by the callback body for the receipt.
	amountOut     *big.Int
	suppliedTotal *big.Int
	surplus       *big.Int
}

// authenticator holds the per-call ephemeral state guarding the callback
// entry point. It is a single-slot arena: beginAdvance arms it, and reset
// clears it on every exit path.
type authenticator struct {
	state  advanceState
	ticket *loanTicket
}

// beginAdvance arms the authenticator with a fresh ticket. A nested call
// while a ticket is live must fail rather than queue.
func (a *authenticator) beginAdvance(t *loanTicket) error {
	if a.state != stateIdle {
		return ErrAdvanceInProgress
	}
	a.state = stateArmed
	a.ticket = t
	return nil
}

// authenticate validates a callback against the armed ticket. The three
// checks run in a fixed order before any ledger or swap side effect:
// caller identity, selector registration, then loan data. On success the
// authenticator moves to Settling and returns the ticket.
func (a *authenticator) authenticate(reg *Registry, caller BackendKey, selector Selector, asset common.Address, amount, fee *big.Int) (*loanTicket, error) {
	if a.state != stateArmed || a.ticket == nil {
		return nil, ErrUnauthorizedCallback
	}
	t := a.ticket
	if caller != t.authorizedCaller {
		return nil, ErrUnauthorizedCallback
	}
	if !reg.IsRegistered(caller, selector) || selector != t.lender.Selector() {
		return nil, ErrUnknownPlugin
	}
	if asset != t.expectedAsset ||
		amount == nil || amount.Cmp(t.expectedAmount) != 0 ||
		fee == nil || fee.Cmp(t.expectedFee) != 0 {
		return nil, ErrInvalidFlashLoanData
	}
	a.state = stateSettling
	return t, nil
}

// reset returns the authenticator to Idle and destroys the ticket. Safe to
// call on every exit path.
func (a *authenticator) reset() {
	a.state = stateIdle
	a.ticket = nil
}
