package ledger

import (
	"CreditLedger/internal/credit"
	"fmt"
)

// InvariantValidator checks the journal mirror against the credit records.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUser checks one record: the mirror agrees with it, the credit line
// is derived from the deposit, and drawn credit stays within the line.
func (v *InvariantValidator) ValidateUser(user *credit.UserLedger, ratio uint8) error {
	owner := string(user.Owner)

	if got := v.tracker.GetUserCollateral(owner); got != user.DepositedAmount {
		return fmt.Errorf("user %s collateral mirror %d != deposited %d", owner, got, user.DepositedAmount)
	}
	if got := v.tracker.GetUserDebt(owner); got != user.UsedCredit {
		return fmt.Errorf("user %s debt mirror %d != used credit %d", owner, got, user.UsedCredit)
	}
	if want := credit.CalculateCreditLine(user.DepositedAmount, ratio); user.CreditLine != want {
		return fmt.Errorf("user %s credit line %d != derived %d", owner, user.CreditLine, want)
	}
	if user.UsedCredit > user.CreditLine {
		return fmt.Errorf("user %s used credit %d exceeds credit line %d", owner, user.UsedCredit, user.CreditLine)
	}
	return nil
}

// ValidateVaultTotal verifies total_deposited equals the collateral held for
// all users in the mirror.
func (v *InvariantValidator) ValidateVaultTotal(vault *credit.Vault) error {
	if total := v.tracker.TotalCollateral(); total != vault.TotalDeposited {
		return fmt.Errorf("vault total %d != sum of user collateral %d", vault.TotalDeposited, total)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateRecords runs ValidateUser over users and checks the vault total
// against both the records and the mirror.
func (v *InvariantValidator) ValidateRecords(vault *credit.Vault, users []*credit.UserLedger) error {
	var sum uint64
	for _, u := range users {
		if err := v.ValidateUser(u, vault.CreditRatio); err != nil {
			return err
		}
		next := sum + u.DepositedAmount
		if next < sum {
			return fmt.Errorf("sum of deposits overflows 64 bits")
		}
		sum = next
	}
	if sum != vault.TotalDeposited {
		return fmt.Errorf("vault total %d != sum of user deposits %d", vault.TotalDeposited, sum)
	}
	if err := v.ValidateVaultTotal(vault); err != nil {
		return err
	}
	return v.ValidateGlobalBalance()
}
