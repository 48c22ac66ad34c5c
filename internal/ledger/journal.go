package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType classifies a journal entry. The numeric value is stored in
// event_log.journal.journal_type.
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeCreditDraw
	JournalTypeCreditRepay
)

var journalTypeNames = [...]string{
	JournalTypeDeposit:     "deposit",
	JournalTypeWithdrawal:  "withdrawal",
	JournalTypeCreditDraw:  "credit_draw",
	JournalTypeCreditRepay: "credit_repay",
}

func (jt JournalType) String() string {
	if jt >= 0 && int(jt) < len(journalTypeNames) {
		return journalTypeNames[jt]
	}
	return "unknown"
}

// Journal moves Amount from CreditAccount to DebitAccount.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the command
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        uint64
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch holds the journals produced by one applied command. A command that
// moves nothing yields an empty batch.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate checks every journal belongs to the batch and moves a positive
// amount between two distinct accounts. A single-amount journal is balanced
// by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
	for _, j := range b.Journals {
		switch {
		case j.Amount == 0:
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		case j.BatchID != b.BatchID:
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		case j.Sequence != b.Sequence:
			return fmt.Errorf("journal %s has sequence %d, batch %d", j.JournalID, j.Sequence, b.Sequence)
		case j.DebitAccount == j.CreditAccount:
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}
