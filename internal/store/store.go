// Package store persists the vault and user ledger records.
//
// Records are only ever replaced whole through Commit, which applies every
// part of a Mutation atomically. Callers serialize writes per record; the
// store does not lock on their behalf.
package store

import (
	"CreditLedger/internal/credit"
	"context"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrVaultNotFound = errors.New("vault not initialized")
	ErrVaultExists   = errors.New("vault already exists")
	ErrUserNotFound  = errors.New("user ledger not found")
)

// Mutation is the result of one operation, written atomically.
type Mutation struct {
	// Vault is nil when the operation did not change it.
	Vault *credit.Vault

	// User is nil when the operation did not change a user record.
	User *credit.UserLedger

	// Operation and IdempotencyKey identify the command that produced the
	// mutation; the key is recorded with the records so a retried command
	// can be recognised.
	Operation      string
	IdempotencyKey string
}

// Store is the storage collaborator of the ledger.
type Store interface {
	// LoadVault returns ErrVaultNotFound before initialization.
	LoadVault(ctx context.Context) (*credit.Vault, error)

	// CreateVault stores m.Vault and records m's command key in one write.
	// It returns ErrVaultExists if a vault is already stored.
	CreateVault(ctx context.Context, m Mutation) error

	// GetOrCreateUser returns the stored record for owner, or a fresh zero
	// record with created=true. A fresh record is persisted by the Commit of
	// the operation that created it.
	GetOrCreateUser(ctx context.Context, owner credit.Identity) (user *credit.UserLedger, created bool, err error)

	// GetUser returns ErrUserNotFound for unknown owners.
	GetUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, error)

	// ListUsers returns every record ordered by owner.
	ListUsers(ctx context.Context) ([]*credit.UserLedger, error)

	// Commit writes the mutation atomically.
	Commit(ctx context.Context, m Mutation) error

	// IsApplied reports whether a command with this operation and key was
	// committed.
	IsApplied(ctx context.Context, operation, idempotencyKey string) (bool, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Open creates a store for the configured driver: "memory", "postgres" or
// "sqlite".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return OpenPostgresStore(ctx, dsn)
	case "sqlite", "sqlite3":
		return OpenSQLiteStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", driver)
	}
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(column, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return v, nil
}

func appliedKey(operation, idempotencyKey string) string {
	return operation + ":" + idempotencyKey
}
