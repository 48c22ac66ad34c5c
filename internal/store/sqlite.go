package store

import (
	"CreditLedger/internal/credit"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

type vaultModel struct {
	bun.BaseModel `bun:"table:vault"`

	ID             int       `bun:"id,pk"`
	Authority      string    `bun:"authority,notnull"`
	TotalDeposited string    `bun:"total_deposited,notnull"`
	CreditRatio    int       `bun:"credit_ratio,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

type userLedgerModel struct {
	bun.BaseModel `bun:"table:user_ledgers"`

	Owner           string    `bun:"owner,pk"`
	DepositedAmount string    `bun:"deposited_amount,notnull"`
	CreditLine      string    `bun:"credit_line,notnull"`
	UsedCredit      string    `bun:"used_credit,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

type appliedCommandModel struct {
	bun.BaseModel `bun:"table:applied_commands"`

	Operation      string    `bun:"operation,pk"`
	IdempotencyKey string    `bun:"idempotency_key,pk"`
	AppliedAt      time.Time `bun:"applied_at,notnull"`
}

// SQLiteStore is the embedded store. Amounts are stored as decimal text
// because SQLite integers are signed 64-bit.
type SQLiteStore struct {
	bun *bun.DB
}

// OpenSQLiteStore opens the database and creates the tables if missing.
// ":memory:" is kept on a single connection so every query sees the same
// database.
func OpenSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		sqlDB.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{bun: bun.NewDB(sqlDB, sqlitedialect.New())}
	if err := s.createSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// BunDB returns the underlying *bun.DB.
func (s *SQLiteStore) BunDB() *bun.DB { return s.bun }

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	models := []interface{}{
		(*vaultModel)(nil),
		(*userLedgerModel)(nil),
		(*appliedCommandModel)(nil),
	}
	for _, m := range models {
		if _, err := s.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadVault(ctx context.Context) (*credit.Vault, error) {
	var m vaultModel
	err := s.bun.NewSelect().Model(&m).Where("id = ?", vaultRowID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("load vault: %w", err)
	}

	total, err := parseAmount("total_deposited", m.TotalDeposited)
	if err != nil {
		return nil, err
	}
	return &credit.Vault{
		Authority:      credit.Identity(m.Authority),
		TotalDeposited: total,
		CreditRatio:    uint8(m.CreditRatio),
	}, nil
}

func (s *SQLiteStore) CreateVault(ctx context.Context, mut Mutation) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*vaultModel)(nil)).Where("id = ?", vaultRowID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check vault: %w", err)
		}
		if exists {
			return ErrVaultExists
		}

		if _, err := tx.NewInsert().Model(toVaultModel(mut.Vault)).Exec(ctx); err != nil {
			return fmt.Errorf("create vault: %w", err)
		}

		if mut.IdempotencyKey != "" {
			am := &appliedCommandModel{
				Operation:      mut.Operation,
				IdempotencyKey: mut.IdempotencyKey,
				AppliedAt:      time.Now().UTC(),
			}
			if _, err := tx.NewInsert().Model(am).Exec(ctx); err != nil {
				return fmt.Errorf("record command: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, bool, error) {
	user, err := s.GetUser(ctx, owner)
	if errors.Is(err, ErrUserNotFound) {
		return credit.NewUserLedger(owner), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, error) {
	var m userLedgerModel
	err := s.bun.NewSelect().Model(&m).Where("owner = ?", string(owner)).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", owner, err)
	}
	return m.toLedger()
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*credit.UserLedger, error) {
	var rows []userLedgerModel
	if err := s.bun.NewSelect().Model(&rows).Order("owner ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]*credit.UserLedger, 0, len(rows))
	for _, m := range rows {
		u, err := m.toLedger()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, m Mutation) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if m.Vault != nil {
			vm := toVaultModel(m.Vault)
			res, err := tx.NewUpdate().Model(vm).WherePK().Exec(ctx)
			if err != nil {
				return fmt.Errorf("update vault: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return ErrVaultNotFound
			}
		}

		if m.User != nil {
			um := &userLedgerModel{
				Owner:           string(m.User.Owner),
				DepositedAmount: formatAmount(m.User.DepositedAmount),
				CreditLine:      formatAmount(m.User.CreditLine),
				UsedCredit:      formatAmount(m.User.UsedCredit),
				UpdatedAt:       time.Now().UTC(),
			}
			_, err := tx.NewInsert().Model(um).
				On("CONFLICT (owner) DO UPDATE").
				Set("deposited_amount = EXCLUDED.deposited_amount").
				Set("credit_line = EXCLUDED.credit_line").
				Set("used_credit = EXCLUDED.used_credit").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("upsert user %s: %w", m.User.Owner, err)
			}
		}

		if m.IdempotencyKey != "" {
			am := &appliedCommandModel{
				Operation:      m.Operation,
				IdempotencyKey: m.IdempotencyKey,
				AppliedAt:      time.Now().UTC(),
			}
			if _, err := tx.NewInsert().Model(am).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
				return fmt.Errorf("record command: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) IsApplied(ctx context.Context, operation, idempotencyKey string) (bool, error) {
	exists, err := s.bun.NewSelect().
		Model((*appliedCommandModel)(nil)).
		Where("operation = ?", operation).
		Where("idempotency_key = ?", idempotencyKey).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check applied command: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.bun.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.bun.Close()
}

func toVaultModel(v *credit.Vault) *vaultModel {
	return &vaultModel{
		ID:             vaultRowID,
		Authority:      string(v.Authority),
		TotalDeposited: formatAmount(v.TotalDeposited),
		CreditRatio:    int(v.CreditRatio),
		UpdatedAt:      time.Now().UTC(),
	}
}

func (m userLedgerModel) toLedger() (*credit.UserLedger, error) {
	deposited, err := parseAmount("deposited_amount", m.DepositedAmount)
	if err != nil {
		return nil, err
	}
	line, err := parseAmount("credit_line", m.CreditLine)
	if err != nil {
		return nil, err
	}
	used, err := parseAmount("used_credit", m.UsedCredit)
	if err != nil {
		return nil, err
	}
	return &credit.UserLedger{
		Owner:           credit.Identity(m.Owner),
		DepositedAmount: deposited,
		CreditLine:      line,
		UsedCredit:      used,
	}, nil
}
