package query

import (
	"CreditLedger/internal/credit"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/projection"
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var ErrJournalUnavailable = errors.New("journal history requires the postgres audit log")

// LedgerReader is the read side of the ledger. *core.Ledger satisfies it.
type LedgerReader interface {
	Vault(ctx context.Context) (*credit.Vault, error)
	Position(ctx context.Context, caller credit.Identity) (*credit.UserLedger, error)
	Sequence() int64
}

// QueryService answers read requests. Positions, credit lines and health
// factors come from the authoritative records; the activity feed and
// statistics come from projections and carry as_of_sequence for freshness.
type QueryService struct {
	ledger      LedgerReader
	projections projection.Store
	auditDB     *sqlx.DB
}

// NewQueryService builds the service. auditDB may be nil when the audit
// log is not kept in Postgres.
func NewQueryService(l LedgerReader, projections projection.Store, auditDB *sqlx.DB) *QueryService {
	return &QueryService{ledger: l, projections: projections, auditDB: auditDB}
}

// GetPosition returns the caller's record with derived values.
func (qs *QueryService) GetPosition(ctx context.Context, caller credit.Identity) (*PositionResponse, error) {
	seq := qs.ledger.Sequence()
	user, err := qs.ledger.Position(ctx, caller)
	if err != nil {
		return nil, err
	}

	factor := credit.HealthFactor(user)
	return &PositionResponse{
		User:            string(user.Owner),
		Deposited:       user.DepositedAmount,
		CreditLine:      user.CreditLine,
		UsedCredit:      user.UsedCredit,
		AvailableCredit: user.AvailableCredit(),
		Withdrawable:    user.Withdrawable(),
		HealthFactor:    factor.StringFixed(2),
		Status:          string(credit.StatusOfUser(user)),
		AsOfSequence:    seq,
	}, nil
}

// GetHealthFactor returns the caller's health factor and its status.
func (qs *QueryService) GetHealthFactor(ctx context.Context, caller credit.Identity) (*HealthFactorResponse, error) {
	user, err := qs.ledger.Position(ctx, caller)
	if err != nil {
		return nil, err
	}

	factor := credit.HealthFactor(user)
	return &HealthFactorResponse{
		User:         string(user.Owner),
		HealthFactor: factor.StringFixed(2),
		Status:       string(credit.StatusOfUser(user)),
	}, nil
}

// GetActivity returns a page of the caller's activity, newest first.
// before <= 0 starts at the newest entry.
func (qs *QueryService) GetActivity(ctx context.Context, caller credit.Identity, limit int, before int64) (*ActivityResponse, error) {
	limit = clampLimit(limit)

	asOf, err := qs.projections.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.projections.Activity(ctx, string(caller), limit, before)
	if err != nil {
		return nil, err
	}

	resp := &ActivityResponse{
		User:         string(caller),
		Entries:      make([]ActivityEntry, 0, len(rows)),
		AsOfSequence: asOf,
	}
	for _, a := range rows {
		resp.Entries = append(resp.Entries, ActivityEntry{
			Sequence:  a.Sequence,
			EventType: a.EventType,
			Amount:    a.Amount,
			Timestamp: a.Timestamp,
		})
	}
	if len(rows) == limit {
		resp.NextBefore = rows[len(rows)-1].Sequence
	}
	return resp, nil
}

// GetStats describes the vault. Totals come from the vault record, user
// counts and outstanding credit from projections.
func (qs *QueryService) GetStats(ctx context.Context) (*StatsResponse, error) {
	seq := qs.ledger.Sequence()
	vault, err := qs.ledger.Vault(ctx)
	if err != nil {
		return nil, err
	}

	asOf, err := qs.projections.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	stats, err := qs.projections.Stats(ctx)
	if err != nil {
		return nil, err
	}

	return &StatsResponse{
		Authority:         string(vault.Authority),
		TotalDeposited:    vault.TotalDeposited,
		CreditRatio:       vault.CreditRatio,
		Users:             stats.Users,
		OutstandingCredit: stats.OutstandingCredit,
		LedgerSequence:    seq,
		AsOfSequence:      asOf,
	}, nil
}

// GetJournalHistory returns the caller's journal entries, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, caller credit.Identity, limit int, before int64) ([]JournalHistoryEntry, error) {
	if qs.auditDB == nil {
		return nil, ErrJournalUnavailable
	}
	limit = clampLimit(limit)
	if before <= 0 {
		before = 1<<63 - 1
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", ledger.IdentityKey(string(caller)))

	var entries []JournalHistoryEntry
	err := qs.auditDB.SelectContext(ctx, &entries, `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount::text AS amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1) AND sequence < $2
		ORDER BY sequence DESC
		LIMIT $3
	`, accountPrefix, before, limit)
	if err != nil {
		return nil, fmt.Errorf("select journal: %w", err)
	}

	for i := range entries {
		entries[i].JournalType = ledger.JournalType(entries[i].JournalTypeID).String()
	}
	return entries, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
