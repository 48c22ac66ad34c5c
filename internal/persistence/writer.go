package persistence

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes envelopes and journals to Postgres using multi-row
// INSERT. Writes are idempotent: rows already present are skipped.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	UserID         string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Amount        string // decimal text, NUMERIC(20,0)
	JournalType   int32
	Timestamp     int64
}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// RowsFromOutput converts one core output into audit log rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		UserID:         env.User,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, journalRow(j))
	}
	return row, journals
}

func journalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID.String(),
		BatchID:       j.BatchID.String(),
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		Amount:        strconv.FormatUint(j.Amount, 10),
		JournalType:   int32(j.JournalType),
		Timestamp:     j.Timestamp,
	}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, user_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.UserID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*9)

	for i, j := range journals {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d::numeric, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := db.ExecContext(ctx, query, args...)
	return err
}
