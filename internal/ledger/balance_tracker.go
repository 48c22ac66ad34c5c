package ledger

import (
	"fmt"
)

// BalanceTracker maintains in-memory account balances.
//
// Balances are kept modulo 2^64. User and system accounts never go below
// zero, so their values are exact; external boundary accounts run negative
// and are only meaningful through the zero-sum check.
type BalanceTracker struct {
	balances map[AccountKey]uint64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]uint64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) uint64 {
	return bt.balances[key]
}

// SetBalance overwrites a balance. Used when seeding from stored records.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance uint64) {
	if balance == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}

// === User Balance Queries ===

// GetUserCollateral returns collateral held for the identity.
func (bt *BalanceTracker) GetUserCollateral(identity string) uint64 {
	return bt.GetBalance(UserCollateral(identity))
}

// GetUserDebt returns credit drawn and not yet repaid by the identity.
func (bt *BalanceTracker) GetUserDebt(identity string) uint64 {
	return bt.GetBalance(UserDebt(identity))
}

// TotalCollateral returns the collateral held for all users. Every unit of
// user collateral entered through external:deposits and leaves through
// external:withdrawals, so the total is the negated sum of the two boundary
// accounts.
func (bt *BalanceTracker) TotalCollateral() uint64 {
	in := bt.balances[Deposits()]
	out := bt.balances[Withdrawals()]
	return -(in + out)
}

// ComputeGlobalBalance sums all account balances (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() uint64 {
	var total uint64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]uint64 {
	snapshot := make(map[AccountKey]uint64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Reset drops all balances.
func (bt *BalanceTracker) Reset() {
	bt.balances = make(map[AccountKey]uint64)
}

// SeedUser posts opening balances for a user restored from storage, keeping
// the ledger zero-sum against the external and system accounts.
func (bt *BalanceTracker) SeedUser(identity string, deposited, usedCredit uint64) {
	bt.balances[UserCollateral(identity)] += deposited
	bt.balances[Deposits()] -= deposited
	bt.balances[UserDebt(identity)] += usedCredit
	bt.balances[CreditIssued()] -= usedCredit
}
