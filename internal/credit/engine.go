package credit

import (
	"CreditLedger/internal/event"
	fpmath "CreditLedger/internal/math"
	"context"
	"fmt"
)

// Custody moves collateral in and out of the vault's holdings.
type Custody interface {
	// LockCollateral takes amount from the owner into custody.
	LockCollateral(ctx context.Context, owner Identity, amount uint64) error

	// ReleaseCollateral returns amount from custody to the owner.
	ReleaseCollateral(ctx context.Context, owner Identity, amount uint64) error
}

// Engine applies the credit state transitions. It owns no state: records
// are passed in per call and the caller is responsible for serializing
// access to them and for persisting the result.
//
// Every method either applies fully and returns the event, or returns an
// error and leaves its arguments untouched.
type Engine struct {
	custody Custody
}

func NewEngine(custody Custody) *Engine {
	return &Engine{custody: custody}
}

// Initialize creates the vault. existing is the vault already present in
// the current scope, if any.
func Initialize(existing *Vault, authority Identity) (*Vault, *event.VaultInitialized, error) {
	if existing != nil {
		return nil, nil, ErrAlreadyInitialized
	}

	vault := &Vault{
		Authority:      authority,
		TotalDeposited: 0,
		CreditRatio:    DefaultCreditRatio,
	}

	return vault, &event.VaultInitialized{
		Authority:   string(authority),
		CreditRatio: vault.CreditRatio,
	}, nil
}

// Deposit takes amount into custody and credits it to the user.
func (e *Engine) Deposit(
	ctx context.Context,
	vault *Vault,
	user *UserLedger,
	amount uint64,
	caller Identity,
) (*event.Deposit, error) {
	if err := checkCaller(user, caller); err != nil {
		return nil, err
	}
	if err := checkVault(vault); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	deposited, ok := fpmath.CheckedAdd(user.DepositedAmount, amount)
	if !ok {
		return nil, fmt.Errorf("user deposit: %w", ErrArithmeticOverflow)
	}
	total, ok := fpmath.CheckedAdd(vault.TotalDeposited, amount)
	if !ok {
		return nil, fmt.Errorf("vault total: %w", ErrArithmeticOverflow)
	}

	if err := e.custody.LockCollateral(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
	}

	user.DepositedAmount = deposited
	user.CreditLine = CalculateCreditLine(deposited, vault.CreditRatio)
	vault.TotalDeposited = total

	return &event.Deposit{
		User:           string(user.Owner),
		Amount:         amount,
		TotalDeposited: user.DepositedAmount,
		CreditLine:     user.CreditLine,
	}, nil
}

// Withdraw releases amount from custody back to the user. Collateral backing
// drawn credit (twice the used credit) cannot be withdrawn.
func (e *Engine) Withdraw(
	ctx context.Context,
	vault *Vault,
	user *UserLedger,
	amount uint64,
	caller Identity,
) (*event.Withdraw, error) {
	if err := checkCaller(user, caller); err != nil {
		return nil, err
	}
	if err := checkVault(vault); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	if amount > user.Withdrawable() {
		return nil, ErrInsufficientBalance
	}

	// amount <= Withdrawable() <= DepositedAmount, so this cannot underflow.
	deposited := user.DepositedAmount - amount
	total, ok := fpmath.CheckedSub(vault.TotalDeposited, amount)
	if !ok {
		return nil, fmt.Errorf("vault total below user deposit: %w", ErrArithmeticOverflow)
	}

	if err := e.custody.ReleaseCollateral(ctx, caller, amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCustodyTransferFailed, err)
	}

	user.DepositedAmount = deposited
	user.CreditLine = CalculateCreditLine(deposited, vault.CreditRatio)
	vault.TotalDeposited = total

	return &event.Withdraw{
		User:               string(user.Owner),
		Amount:             amount,
		RemainingDeposited: user.DepositedAmount,
		CreditLine:         user.CreditLine,
	}, nil
}

// UseCredit records a draw of amount against the user's credit line.
func (e *Engine) UseCredit(user *UserLedger, amount uint64, caller Identity) (*event.CreditUsed, error) {
	if err := checkCaller(user, caller); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	if amount > user.AvailableCredit() {
		return nil, ErrInsufficientCredit
	}

	user.UsedCredit += amount

	return &event.CreditUsed{
		User:            string(user.Owner),
		Amount:          amount,
		TotalUsed:       user.UsedCredit,
		RemainingCredit: user.CreditLine - user.UsedCredit,
	}, nil
}

// RepayCredit reduces the user's outstanding debt by amount.
func (e *Engine) RepayCredit(user *UserLedger, amount uint64, caller Identity) (*event.CreditRepaid, error) {
	if err := checkCaller(user, caller); err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	if amount > user.UsedCredit {
		return nil, ErrRepaymentExceedsDebt
	}

	user.UsedCredit -= amount

	return &event.CreditRepaid{
		User:          string(user.Owner),
		Amount:        amount,
		RemainingDebt: user.UsedCredit,
	}, nil
}

// CreditLineOf returns the user's current credit line.
func CreditLineOf(user *UserLedger, caller Identity) (uint64, error) {
	if err := checkCaller(user, caller); err != nil {
		return 0, err
	}
	return user.CreditLine, nil
}

func checkCaller(user *UserLedger, caller Identity) error {
	if user.Owner != caller {
		return fmt.Errorf("%w: owner=%s caller=%s", ErrOwnerMismatch, user.Owner, caller)
	}
	return nil
}

func checkVault(vault *Vault) error {
	if vault.CreditRatio > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidRatio, vault.CreditRatio)
	}
	return nil
}
