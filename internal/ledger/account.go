package ledger

import (
	"github.com/google/uuid"
)

// Account is one line of the credit chart of accounts.
//
// Collateral and Debt are held per user. CreditIssued is the vault's
// contra account for every unit of credit drawn, and the two boundary
// accounts stand for funds entering and leaving custody.
type Account uint8

const (
	AccountCollateral Account = iota + 1
	AccountDebt
	AccountCreditIssued
	AccountDeposits
	AccountWithdrawals
)

var accountNames = [...]string{
	AccountCollateral:   "collateral",
	AccountDebt:         "debt",
	AccountCreditIssued: "credit_issued",
	AccountDeposits:     "deposits",
	AccountWithdrawals:  "withdrawals",
}

func (a Account) String() string {
	if int(a) < len(accountNames) && accountNames[a] != "" {
		return accountNames[a]
	}
	return "unknown"
}

// PerUser reports whether the account is kept separately for each identity.
func (a Account) PerUser() bool {
	return a == AccountCollateral || a == AccountDebt
}

// identityNamespace derives stable account keys from opaque identities.
var identityNamespace = uuid.MustParse("6f1c2f0e-8a4b-4c55-9b1e-6d2a3c4b5e6f")

// IdentityKey maps an identity to the 16-byte owner id used in account keys.
func IdentityKey(identity string) uuid.UUID {
	return uuid.NewSHA1(identityNamespace, []byte(identity))
}

// AccountKey addresses a balance in the BalanceTracker. Owner is the zero
// UUID for vault and boundary accounts.
type AccountKey struct {
	Account Account
	Owner   uuid.UUID
}

// UserCollateral is the collateral deposited by identity.
func UserCollateral(identity string) AccountKey {
	return AccountKey{Account: AccountCollateral, Owner: IdentityKey(identity)}
}

// UserDebt is the credit drawn and not yet repaid by identity.
func UserDebt(identity string) AccountKey {
	return AccountKey{Account: AccountDebt, Owner: IdentityKey(identity)}
}

func CreditIssued() AccountKey { return AccountKey{Account: AccountCreditIssued} }
func Deposits() AccountKey     { return AccountKey{Account: AccountDeposits} }
func Withdrawals() AccountKey  { return AccountKey{Account: AccountWithdrawals} }

// AccountPath returns the string form stored in the audit journal:
// user:{owner}:collateral, user:{owner}:debt, vault:credit_issued,
// external:deposits or external:withdrawals.
func (k AccountKey) AccountPath() string {
	switch {
	case k.Account.PerUser():
		return "user:" + k.Owner.String() + ":" + k.Account.String()
	case k.Account == AccountCreditIssued:
		return "vault:" + k.Account.String()
	default:
		return "external:" + k.Account.String()
	}
}
