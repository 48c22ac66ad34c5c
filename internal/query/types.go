package query

import "time"

// PositionResponse is a participant's authoritative position with the values
// derived from it at query time.
type PositionResponse struct {
	User            string `json:"user"`
	Deposited       uint64 `json:"deposited"`
	CreditLine      uint64 `json:"credit_line"`
	UsedCredit      uint64 `json:"used_credit"`
	AvailableCredit uint64 `json:"available_credit"`
	Withdrawable    uint64 `json:"withdrawable"`
	HealthFactor    string `json:"health_factor"`
	Status          string `json:"status"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// HealthFactorResponse reports how much of the credit line is drawn.
type HealthFactorResponse struct {
	User         string `json:"user"`
	HealthFactor string `json:"health_factor"`
	Status       string `json:"status"`
}

// ActivityEntry is one line of the activity feed.
type ActivityEntry struct {
	Sequence  int64     `json:"sequence"`
	EventType string    `json:"event_type"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityResponse is a page of the activity feed, newest first. Pass
// NextBefore as the before parameter to fetch the next page.
type ActivityResponse struct {
	User         string          `json:"user"`
	Entries      []ActivityEntry `json:"entries"`
	NextBefore   int64           `json:"next_before,omitempty"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// StatsResponse describes the vault.
type StatsResponse struct {
	Authority         string `json:"authority"`
	TotalDeposited    uint64 `json:"total_deposited"`
	CreditRatio       uint8  `json:"credit_ratio"`
	Users             int    `json:"users"`
	OutstandingCredit uint64 `json:"outstanding_credit"`
	LedgerSequence    int64  `json:"ledger_sequence"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id" db:"journal_id"`
	BatchID       string `json:"batch_id" db:"batch_id"`
	EventRef      string `json:"event_ref" db:"event_ref"`
	Sequence      int64  `json:"sequence" db:"sequence"`
	DebitAccount  string `json:"debit_account" db:"debit_account"`
	CreditAccount string `json:"credit_account" db:"credit_account"`
	Amount        string `json:"amount" db:"amount"`
	JournalType   string `json:"journal_type" db:"-"`
	JournalTypeID int32  `json:"-" db:"journal_type"`
	Timestamp     int64  `json:"timestamp" db:"timestamp"`
}
