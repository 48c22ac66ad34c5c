package event

// CreditUsed records a draw against the credit line. No collateral moves.
type CreditUsed struct {
	User            string `json:"user"`
	Amount          uint64 `json:"amount"`
	TotalUsed       uint64 `json:"total_used"`
	RemainingCredit uint64 `json:"remaining_credit"`
}

func (c *CreditUsed) EventType() EventType {
	return EventTypeCreditUsed
}

func (c *CreditUsed) Subject() string {
	return c.User
}

// CreditRepaid records a repayment of drawn credit.
type CreditRepaid struct {
	User          string `json:"user"`
	Amount        uint64 `json:"amount"`
	RemainingDebt uint64 `json:"remaining_debt"`
}

func (c *CreditRepaid) EventType() EventType {
	return EventTypeCreditRepaid
}

func (c *CreditRepaid) Subject() string {
	return c.User
}
