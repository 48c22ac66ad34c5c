package ledger

import (
	"CreditLedger/internal/event"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from ledger events.
// Operations that move nothing (vault initialization) produce an empty batch.
type JournalGenerator struct{}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{}
}

// Generate dispatches on the event type.
func (jg *JournalGenerator) Generate(evt event.Event, eventRef string, sequence, timestamp int64) (*Batch, error) {
	switch e := evt.(type) {
	case *event.VaultInitialized:
		return jg.newBatch(eventRef, sequence, timestamp), nil
	case *event.Deposit:
		return jg.GenerateDeposit(e, eventRef, sequence, timestamp), nil
	case *event.Withdraw:
		return jg.GenerateWithdraw(e, eventRef, sequence, timestamp), nil
	case *event.CreditUsed:
		return jg.GenerateCreditUsed(e, eventRef, sequence, timestamp), nil
	case *event.CreditRepaid:
		return jg.GenerateCreditRepaid(e, eventRef, sequence, timestamp), nil
	default:
		return nil, fmt.Errorf("no journal mapping for event type %T", evt)
	}
}

// GenerateDeposit posts external:deposits to user:collateral.
func (jg *JournalGenerator) GenerateDeposit(evt *event.Deposit, eventRef string, sequence, timestamp int64) *Batch {
	batch := jg.newBatch(eventRef, sequence, timestamp)
	batch.Journals = append(batch.Journals, jg.journal(batch,
		UserCollateral(evt.User),
		Deposits(),
		evt.Amount,
		JournalTypeDeposit,
	))
	return batch
}

// GenerateWithdraw posts user:collateral to external:withdrawals.
func (jg *JournalGenerator) GenerateWithdraw(evt *event.Withdraw, eventRef string, sequence, timestamp int64) *Batch {
	batch := jg.newBatch(eventRef, sequence, timestamp)
	batch.Journals = append(batch.Journals, jg.journal(batch,
		Withdrawals(),
		UserCollateral(evt.User),
		evt.Amount,
		JournalTypeWithdrawal,
	))
	return batch
}

// GenerateCreditUsed posts vault:credit_issued to user:debt.
func (jg *JournalGenerator) GenerateCreditUsed(evt *event.CreditUsed, eventRef string, sequence, timestamp int64) *Batch {
	batch := jg.newBatch(eventRef, sequence, timestamp)
	batch.Journals = append(batch.Journals, jg.journal(batch,
		UserDebt(evt.User),
		CreditIssued(),
		evt.Amount,
		JournalTypeCreditDraw,
	))
	return batch
}

// GenerateCreditRepaid posts user:debt back to vault:credit_issued.
func (jg *JournalGenerator) GenerateCreditRepaid(evt *event.CreditRepaid, eventRef string, sequence, timestamp int64) *Batch {
	batch := jg.newBatch(eventRef, sequence, timestamp)
	batch.Journals = append(batch.Journals, jg.journal(batch,
		CreditIssued(),
		UserDebt(evt.User),
		evt.Amount,
		JournalTypeCreditRepay,
	))
	return batch
}

func (jg *JournalGenerator) newBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 1),
	}
}

func (jg *JournalGenerator) journal(batch *Batch, debit, credit AccountKey, amount uint64, jt JournalType) Journal {
	return Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	}
}
