package core

import (
	"CreditLedger/internal/credit"
	"CreditLedger/internal/store"
	"context"
	"errors"
)

var (
	ErrDuplicateCommand    = errors.New("duplicate command")
	ErrVaultNotInitialized = errors.New("vault not initialized")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrMissingCaller       = errors.New("caller identity required")
	ErrChainBroken         = errors.New("state hash chain broken")
	ErrStateHashMismatch   = errors.New("state hash mismatch")
	ErrLedgerClosed        = errors.New("ledger closed")
)

// IsRejection reports whether err is a business rejection of the command
// rather than an infrastructure failure. Rejections are final: retrying the
// same command yields the same answer.
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrDuplicateCommand,
		ErrVaultNotInitialized,
		ErrUnknownOperation,
		ErrMissingCaller,
		credit.ErrAlreadyInitialized,
		credit.ErrInsufficientBalance,
		credit.ErrInsufficientCredit,
		credit.ErrRepaymentExceedsDebt,
		credit.ErrArithmeticOverflow,
		credit.ErrInvalidAmount,
		credit.ErrOwnerMismatch,
		credit.ErrInvalidRatio,
		store.ErrUserNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// rejectReason maps err to a metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrVaultNotInitialized):
		return "vault_not_initialized"
	case errors.Is(err, ErrUnknownOperation), errors.Is(err, ErrMissingCaller):
		return "bad_command"
	case errors.Is(err, credit.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, credit.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, credit.ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, credit.ErrRepaymentExceedsDebt):
		return "repayment_exceeds_debt"
	case errors.Is(err, credit.ErrArithmeticOverflow):
		return "overflow"
	case errors.Is(err, credit.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, credit.ErrOwnerMismatch):
		return "owner_mismatch"
	case errors.Is(err, credit.ErrCustodyTransferFailed):
		return "custody"
	case errors.Is(err, store.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
