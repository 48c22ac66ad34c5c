// internal/event/deposit.go
package event

// Deposit is emitted after collateral was taken into custody.
// TotalDeposited is the user's deposit after the operation, not the vault total.
type Deposit struct {
	User           string `json:"user"`
	Amount         uint64 `json:"amount"`
	TotalDeposited uint64 `json:"total_deposited"`
	CreditLine     uint64 `json:"credit_line"`
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) Subject() string {
	return d.User
}
