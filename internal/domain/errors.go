package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrLockHeld     = errors.New("lock already held")
	ErrContextDone  = errors.New("context cancelled")

	// Bond ledger preconditions.
	ErrSelfPartner    = errors.New("partner must differ from caller")
	ErrZeroAddress    = errors.New("address must not be zero")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrBondExists     = errors.New("bond already exists for pair")
	ErrBondNotPending = errors.New("bond is not pending")
	ErrSlotFilled     = errors.New("stake slot already filled")
	ErrBondNotActive  = errors.New("bond is not active")
	ErrBondFrozen     = errors.New("bond is frozen")
	ErrNotParticipant = errors.New("caller is not a bond participant")

	// Lending pool preconditions.
	ErrLoanActive            = errors.New("borrower already has an active loan")
	ErrLoanNotActive         = errors.New("loan is not active")
	ErrLoanNotExpired        = errors.New("loan duration has not elapsed")
	ErrDurationTooShort      = errors.New("loan duration below minimum")
	ErrExceedsMaxBorrow      = errors.New("amount exceeds max borrowable")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrInsufficientPayment   = errors.New("payment below amount owed")

	// Treasury.
	ErrInsufficientBalance = errors.New("insufficient balance")
)
