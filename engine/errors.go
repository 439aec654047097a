package engine

import "errors"

// Error taxonomy. Every error aborts the entire top-level call; there is no
// partial commit and no retry inside the engine.
var (
	// Configuration errors (construction-time, fatal).
	ErrDuplicatePlugin = errors.New("engine: duplicate plugin entry")
	ErrZeroSelector    = errors.New("engine: zero callback selector")
	ErrZeroAddress     = errors.New("engine: critical address not configured")
	ErrNilDependency   = errors.New("engine: required dependency not configured")

	// Caller-input errors (validated before any external call).
	ErrInvalidAmountIn          = errors.New("engine: amount in must be positive")
	ErrInvalidLeverage          = errors.New("engine: leverage out of range")
	ErrInvalidSwapParameters    = errors.New("engine: invalid swap parameters")
	ErrInvalidCollateralAmount  = errors.New("engine: requested amount exceeds posted collateral")
	ErrOperatorNotAllowed       = errors.New("engine: engine is not an authorized operator for the user")
	ErrUnknownBackend           = errors.New("engine: no backend instance for key")

	// Authentication errors (never bypassed; misconfigured backend or attack).
	ErrUnauthorizedCallback = errors.New("engine: callback caller is not the authorized backend")
	ErrUnknownPlugin        = errors.New("engine: plugin selector not registered for backend")
	ErrInvalidFlashLoanData = errors.New("engine: flash loan data does not match loan ticket")
	ErrAdvanceInProgress    = errors.New("engine: a flash advance is already in progress")

	// Economic-safety errors (business-logic rejections, not bugs).
	ErrInsufficientAmountOut = errors.New("engine: swap returned less than minimum amount out")
	ErrNotCollateralized     = errors.New("engine: position would not be collateralized")
	ErrHealthDropExceeded    = errors.New("engine: liquidity drop exceeds tolerance")
	ErrNothingToDeleverage   = errors.New("engine: no outstanding debt to unwind")
	ErrCannotRepayAdvance    = errors.New("engine: proceeds do not cover flash advance repayment")
)
