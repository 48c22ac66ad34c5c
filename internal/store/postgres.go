package store

import (
	"CreditLedger/internal/credit"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	pgUniqueViolationCode = "23505"

	maxOpenConns    = 25
	maxIdleConns    = 25
	connMaxLifetime = 5 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// vaultRowID is the key of the single vault row.
const vaultRowID = 1

// Amounts are NUMERIC(20,0) so the full uint64 range round-trips. They are
// read back as text and bound as text to avoid float conversions in the
// driver.
const (
	pgSelectVault = `SELECT authority, total_deposited::text AS total_deposited, credit_ratio FROM credit.vault WHERE id = $1`

	pgInsertVault = `INSERT INTO credit.vault (id, authority, total_deposited, credit_ratio) VALUES ($1, $2, $3::numeric, $4)`

	pgUpdateVault = `UPDATE credit.vault SET authority = $1, total_deposited = $2::numeric, credit_ratio = $3, updated_at = NOW() WHERE id = $4`

	pgSelectUser = `SELECT owner, deposited_amount::text AS deposited_amount, credit_line::text AS credit_line, used_credit::text AS used_credit FROM credit.user_ledgers WHERE owner = $1`

	pgSelectUsers = `SELECT owner, deposited_amount::text AS deposited_amount, credit_line::text AS credit_line, used_credit::text AS used_credit FROM credit.user_ledgers ORDER BY owner`

	pgUpsertUser = `INSERT INTO credit.user_ledgers (owner, deposited_amount, credit_line, used_credit) VALUES ($1, $2::numeric, $3::numeric, $4::numeric) ON CONFLICT (owner) DO UPDATE SET deposited_amount = EXCLUDED.deposited_amount, credit_line = EXCLUDED.credit_line, used_credit = EXCLUDED.used_credit, updated_at = NOW()`

	pgInsertApplied = `INSERT INTO credit.applied_commands (operation, idempotency_key) VALUES ($1, $2) ON CONFLICT (operation, idempotency_key) DO NOTHING`

	pgSelectApplied = `SELECT EXISTS (SELECT 1 FROM credit.applied_commands WHERE operation = $1 AND idempotency_key = $2)`
)

type pgVaultRow struct {
	Authority      string `db:"authority"`
	TotalDeposited string `db:"total_deposited"`
	CreditRatio    int16  `db:"credit_ratio"`
}

type pgUserRow struct {
	Owner           string `db:"owner"`
	DepositedAmount string `db:"deposited_amount"`
	CreditLine      string `db:"credit_line"`
	UsedCredit      string `db:"used_credit"`
}

// PostgresStore keeps records in the credit schema.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects and configures the connection pool.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	return NewPostgresStore(db), nil
}

// DB exposes the underlying pool for components sharing the database.
func (s *PostgresStore) DB() *sql.DB {
	return s.db.DB
}

func (s *PostgresStore) LoadVault(ctx context.Context) (*credit.Vault, error) {
	var row pgVaultRow
	if err := s.db.GetContext(ctx, &row, pgSelectVault, vaultRowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("load vault: %w", err)
	}

	total, err := parseAmount("total_deposited", row.TotalDeposited)
	if err != nil {
		return nil, err
	}
	return &credit.Vault{
		Authority:      credit.Identity(row.Authority),
		TotalDeposited: total,
		CreditRatio:    uint8(row.CreditRatio),
	}, nil
}

func (s *PostgresStore) CreateVault(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create vault: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, pgInsertVault,
		vaultRowID,
		string(m.Vault.Authority),
		formatAmount(m.Vault.TotalDeposited),
		int16(m.Vault.CreditRatio),
	)
	if err != nil {
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return ErrVaultExists
		}
		return fmt.Errorf("create vault: %w", err)
	}

	if m.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, pgInsertApplied, m.Operation, m.IdempotencyKey); err != nil {
			return fmt.Errorf("record command: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, bool, error) {
	user, err := s.GetUser(ctx, owner)
	if errors.Is(err, ErrUserNotFound) {
		return credit.NewUserLedger(owner), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, error) {
	var row pgUserRow
	if err := s.db.GetContext(ctx, &row, pgSelectUser, string(owner)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", owner, err)
	}
	return row.toLedger()
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*credit.UserLedger, error) {
	var rows []pgUserRow
	if err := s.db.SelectContext(ctx, &rows, pgSelectUsers); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]*credit.UserLedger, 0, len(rows))
	for _, row := range rows {
		u, err := row.toLedger()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if m.Vault != nil {
		res, err := tx.ExecContext(ctx, pgUpdateVault,
			string(m.Vault.Authority),
			formatAmount(m.Vault.TotalDeposited),
			int16(m.Vault.CreditRatio),
			vaultRowID,
		)
		if err != nil {
			return fmt.Errorf("update vault: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrVaultNotFound
		}
	}

	if m.User != nil {
		_, err := tx.ExecContext(ctx, pgUpsertUser,
			string(m.User.Owner),
			formatAmount(m.User.DepositedAmount),
			formatAmount(m.User.CreditLine),
			formatAmount(m.User.UsedCredit),
		)
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", m.User.Owner, err)
		}
	}

	if m.IdempotencyKey != "" {
		if _, err := tx.ExecContext(ctx, pgInsertApplied, m.Operation, m.IdempotencyKey); err != nil {
			return fmt.Errorf("record command: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsApplied(ctx context.Context, operation, idempotencyKey string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, pgSelectApplied, operation, idempotencyKey); err != nil {
		return false, fmt.Errorf("check applied command: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (r pgUserRow) toLedger() (*credit.UserLedger, error) {
	deposited, err := parseAmount("deposited_amount", r.DepositedAmount)
	if err != nil {
		return nil, err
	}
	line, err := parseAmount("credit_line", r.CreditLine)
	if err != nil {
		return nil, err
	}
	used, err := parseAmount("used_credit", r.UsedCredit)
	if err != nil {
		return nil, err
	}
	return &credit.UserLedger{
		Owner:           credit.Identity(r.Owner),
		DepositedAmount: deposited,
		CreditLine:      line,
		UsedCredit:      used,
	}, nil
}
