package credit

import fpmath "CreditLedger/internal/math"

// DefaultCreditRatio is the percentage of collateral granted as credit.
const DefaultCreditRatio uint8 = 50

// Identity is an authenticated participant, opaque to the ledger.
type Identity string

// Vault holds the global pool parameters and totals.
type Vault struct {
	Authority      Identity `json:"authority"`
	TotalDeposited uint64   `json:"total_deposited"`
	CreditRatio    uint8    `json:"credit_ratio"`
}

// UserLedger is one participant's deposit and credit state.
type UserLedger struct {
	Owner           Identity `json:"owner"`
	DepositedAmount uint64   `json:"deposited_amount"`
	CreditLine      uint64   `json:"credit_line"`
	UsedCredit      uint64   `json:"used_credit"`
}

// NewUserLedger returns the empty record a participant starts with.
func NewUserLedger(owner Identity) *UserLedger {
	return &UserLedger{Owner: owner}
}

// CalculateCreditLine returns floor(deposited * ratio / 100).
func CalculateCreditLine(deposited uint64, ratio uint8) uint64 {
	return fpmath.PercentOf(deposited, ratio)
}

// AvailableCredit is the undrawn part of the credit line, never negative.
func (u *UserLedger) AvailableCredit() uint64 {
	return fpmath.SaturatingSub(u.CreditLine, u.UsedCredit)
}

// Withdrawable is deposited - 2*used, clamped to zero. The reserve of twice
// the drawn credit equals the collateral requirement only at a credit ratio
// of 50.
func (u *UserLedger) Withdrawable() uint64 {
	reserve := fpmath.SaturatingMul(u.UsedCredit, 2)
	return fpmath.SaturatingSub(u.DepositedAmount, reserve)
}

// Clone returns a copy that can be mutated without touching u.
func (u *UserLedger) Clone() *UserLedger {
	c := *u
	return &c
}

// Clone returns a copy that can be mutated without touching v.
func (v *Vault) Clone() *Vault {
	c := *v
	return &c
}
