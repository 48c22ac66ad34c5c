package credit

import "errors"

var (
	ErrAlreadyInitialized    = errors.New("vault already initialized")
	ErrInsufficientBalance   = errors.New("insufficient balance for withdrawal")
	ErrInsufficientCredit    = errors.New("insufficient credit available")
	ErrRepaymentExceedsDebt  = errors.New("repayment amount exceeds debt")
	ErrCustodyTransferFailed = errors.New("custody transfer failed")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")

	ErrInvalidAmount = errors.New("amount must be greater than zero")
	ErrOwnerMismatch = errors.New("caller does not own the ledger record")
	ErrInvalidRatio  = errors.New("credit ratio must be within 0..100")
)
