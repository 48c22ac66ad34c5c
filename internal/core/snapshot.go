package core

import (
	"CreditLedger/internal/credit"
	"CreditLedger/internal/store"
	"context"
	"errors"
	"fmt"
	"time"
)

// SnapshotState is a consistent copy of the records at a sequence.
type SnapshotState struct {
	Sequence        int64                `json:"sequence"`
	StateHash       [32]byte             `json:"state_hash"`
	Vault           *credit.Vault        `json:"vault,omitempty"`
	Users           []*credit.UserLedger `json:"users"`
	IdempotencyKeys []string             `json:"idempotency_keys,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// CreateSnapshotState blocks new commands while it reads the store, so the
// records and the chain tip describe the same point.
func (l *Ledger) CreateSnapshotState(ctx context.Context) (*SnapshotState, error) {
	l.quiesce.Lock()
	defer l.quiesce.Unlock()

	vault, err := l.store.LoadVault(ctx)
	if err != nil && !errors.Is(err, store.ErrVaultNotFound) {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	users, err := l.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	l.seqMu.Lock()
	seq := l.sequence
	hash := l.hasher.GetPrevHash()
	l.seqMu.Unlock()

	l.idempotency.mu.Lock()
	keys := l.idempotency.lru.Keys()
	l.idempotency.mu.Unlock()

	return &SnapshotState{
		Sequence:        seq,
		StateHash:       hash,
		Vault:           vault,
		Users:           users,
		IdempotencyKeys: keys,
		CreatedAt:       l.now().UTC(),
	}, nil
}
