package store

import (
	"CreditLedger/internal/credit"
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. Used for tests and
// single-process development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	vault   *credit.Vault
	users   map[credit.Identity]*credit.UserLedger
	applied map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[credit.Identity]*credit.UserLedger),
		applied: make(map[string]struct{}),
	}
}

func (s *MemoryStore) LoadVault(ctx context.Context) (*credit.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vault == nil {
		return nil, ErrVaultNotFound
	}
	return s.vault.Clone(), nil
}

func (s *MemoryStore) CreateVault(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vault != nil {
		return ErrVaultExists
	}
	s.vault = m.Vault.Clone()
	if m.IdempotencyKey != "" {
		s.applied[appliedKey(m.Operation, m.IdempotencyKey)] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) GetOrCreateUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.users[owner]; ok {
		return u.Clone(), false, nil
	}
	return credit.NewUserLedger(owner), true, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, owner credit.Identity) (*credit.UserLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[owner]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*credit.UserLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*credit.UserLedger, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.Clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Owner < users[j].Owner })
	return users, nil
}

func (s *MemoryStore) Commit(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Vault != nil {
		if s.vault == nil {
			return ErrVaultNotFound
		}
		s.vault = m.Vault.Clone()
	}
	if m.User != nil {
		s.users[m.User.Owner] = m.User.Clone()
	}
	if m.IdempotencyKey != "" {
		s.applied[appliedKey(m.Operation, m.IdempotencyKey)] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) IsApplied(ctx context.Context, operation, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.applied[appliedKey(operation, idempotencyKey)]
	return ok, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
