package event

// Withdraw is emitted after collateral was released from custody.
type Withdraw struct {
	User               string `json:"user"`
	Amount             uint64 `json:"amount"`
	RemainingDeposited uint64 `json:"remaining_deposited"`
	CreditLine         uint64 `json:"credit_line"`
}

func (w *Withdraw) EventType() EventType {
	return EventTypeWithdraw
}

func (w *Withdraw) Subject() string {
	return w.User
}
