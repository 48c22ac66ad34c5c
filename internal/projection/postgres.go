package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const workerID = "main"

const (
	pgInsertActivity = `INSERT INTO projections.activity (sequence, user_id, event_type, amount, timestamp) VALUES ($1, $2, $3, $4::numeric, $5) ON CONFLICT (sequence) DO NOTHING`

	// Older events never overwrite a newer position.
	pgUpsertPosition = `INSERT INTO projections.user_positions (user_id, deposited, credit_line, used_credit, last_sequence) VALUES ($1, COALESCE($2::numeric, 0), COALESCE($3::numeric, 0), COALESCE($4::numeric, 0), $5) ON CONFLICT (user_id) DO UPDATE SET deposited = COALESCE($2::numeric, projections.user_positions.deposited), credit_line = COALESCE($3::numeric, projections.user_positions.credit_line), used_credit = COALESCE($4::numeric, projections.user_positions.used_credit), last_sequence = $5 WHERE projections.user_positions.last_sequence < $5`

	pgUpsertWatermark = `INSERT INTO projections.watermark (worker_id, last_sequence, updated_at) VALUES ($1, $2, NOW()) ON CONFLICT (worker_id) DO UPDATE SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence), updated_at = NOW()`

	pgSelectActivity = `SELECT sequence, user_id, event_type, amount::text AS amount, timestamp FROM projections.activity WHERE user_id = $1 AND sequence < $2 ORDER BY sequence DESC LIMIT $3`

	pgSelectPosition = `SELECT user_id, deposited::text AS deposited, credit_line::text AS credit_line, used_credit::text AS used_credit, last_sequence FROM projections.user_positions WHERE user_id = $1`

	pgSelectStats = `SELECT COUNT(*) AS users, COALESCE(SUM(deposited), 0)::text AS total_deposited, COALESCE(SUM(used_credit), 0)::text AS outstanding_credit FROM projections.user_positions`

	pgSelectWatermark = `SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`
)

type pgActivityRow struct {
	Sequence  int64     `db:"sequence"`
	User      string    `db:"user_id"`
	EventType string    `db:"event_type"`
	Amount    string    `db:"amount"`
	Timestamp time.Time `db:"timestamp"`
}

type pgPositionRow struct {
	User         string `db:"user_id"`
	Deposited    string `db:"deposited"`
	CreditLine   string `db:"credit_line"`
	UsedCredit   string `db:"used_credit"`
	LastSequence int64  `db:"last_sequence"`
}

type pgStatsRow struct {
	Users             int    `db:"users"`
	TotalDeposited    string `db:"total_deposited"`
	OutstandingCredit string `db:"outstanding_credit"`
}

// PostgresStore keeps projections in the projections schema.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply writes one update and advances the watermark in a transaction.
func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	a := u.Activity
	if _, err := tx.ExecContext(ctx, pgInsertActivity,
		a.Sequence, a.User, a.EventType, strconv.FormatUint(a.Amount, 10), a.Timestamp,
	); err != nil {
		return fmt.Errorf("activity: %w", err)
	}

	if c := u.Position; c != nil {
		if _, err := tx.ExecContext(ctx, pgUpsertPosition,
			c.User, nullableAmount(c.Deposited), nullableAmount(c.CreditLine), nullableAmount(c.UsedCredit), u.Sequence,
		); err != nil {
			return fmt.Errorf("position: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, pgUpsertWatermark, workerID, u.Sequence); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	return tx.Commit()
}

// Activity returns a user's entries newest first. beforeSequence <= 0 starts
// at the newest entry.
func (s *PostgresStore) Activity(ctx context.Context, user string, limit int, beforeSequence int64) ([]Activity, error) {
	if beforeSequence <= 0 {
		beforeSequence = 1<<63 - 1
	}

	var rows []pgActivityRow
	if err := s.db.SelectContext(ctx, &rows, pgSelectActivity, user, beforeSequence, limit); err != nil {
		return nil, fmt.Errorf("select activity: %w", err)
	}

	out := make([]Activity, 0, len(rows))
	for _, r := range rows {
		amount, err := parseNumeric("amount", r.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, Activity{
			Sequence:  r.Sequence,
			User:      r.User,
			EventType: r.EventType,
			Amount:    amount,
			Timestamp: r.Timestamp.UTC(),
		})
	}
	return out, nil
}

func (s *PostgresStore) Position(ctx context.Context, user string) (*Position, error) {
	var row pgPositionRow
	if err := s.db.GetContext(ctx, &row, pgSelectPosition, user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("select position: %w", err)
	}

	p := &Position{User: row.User, LastSequence: row.LastSequence}
	var err error
	if p.Deposited, err = parseNumeric("deposited", row.Deposited); err != nil {
		return nil, err
	}
	if p.CreditLine, err = parseNumeric("credit_line", row.CreditLine); err != nil {
		return nil, err
	}
	if p.UsedCredit, err = parseNumeric("used_credit", row.UsedCredit); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var row pgStatsRow
	if err := s.db.GetContext(ctx, &row, pgSelectStats); err != nil {
		return nil, fmt.Errorf("select stats: %w", err)
	}

	st := &Stats{Users: row.Users}
	var err error
	if st.TotalDeposited, err = parseNumeric("total_deposited", row.TotalDeposited); err != nil {
		return nil, err
	}
	if st.OutstandingCredit, err = parseNumeric("outstanding_credit", row.OutstandingCredit); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, pgSelectWatermark, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE projections.activity`,
		`TRUNCATE projections.user_positions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

func nullableAmount(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return strconv.FormatUint(*v, 10)
}

// parseNumeric reads a NUMERIC rendered as text. Sums over many rows are
// parsed as decimals first so an out-of-range aggregate is reported rather
// than wrapped.
func parseNumeric(column, s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	if d.IsNegative() || !d.IsInteger() {
		return 0, fmt.Errorf("parse %s %q: not an unsigned integer", column, s)
	}
	v := d.BigInt()
	if !v.IsUint64() {
		return 0, fmt.Errorf("parse %s %q: exceeds 64 bits", column, s)
	}
	return v.Uint64(), nil
}
