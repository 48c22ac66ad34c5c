// Package custody holds the collateral moved in and out of the vault.
package custody

import (
	"CreditLedger/internal/credit"
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrInsufficientHoldings = errors.New("custody holds less than requested")

// MemoryCustody keeps per-owner holdings in memory. It stands in for the
// token transfer the vault performs against an external asset ledger.
type MemoryCustody struct {
	mu    sync.Mutex
	held  map[credit.Identity]uint64
	total uint64
}

func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{held: make(map[credit.Identity]uint64)}
}

func (c *MemoryCustody) LockCollateral(ctx context.Context, owner credit.Identity, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.held[owner] + amount
	if held < amount {
		return fmt.Errorf("holdings for %s overflow", owner)
	}
	c.held[owner] = held
	c.total += amount
	return nil
}

func (c *MemoryCustody) ReleaseCollateral(ctx context.Context, owner credit.Identity, amount uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held[owner] < amount {
		return fmt.Errorf("%w: owner=%s held=%d requested=%d", ErrInsufficientHoldings, owner, c.held[owner], amount)
	}
	c.held[owner] -= amount
	c.total -= amount
	return nil
}

// Seed sets the holdings of owner, replacing what was held. Used at startup
// to mirror the deposits already recorded in the store.
func (c *MemoryCustody) Seed(owner credit.Identity, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total = c.total - c.held[owner] + amount
	c.held[owner] = amount
}

// Held returns what custody holds for owner.
func (c *MemoryCustody) Held(owner credit.Identity) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held[owner]
}

// Total returns everything custody holds.
func (c *MemoryCustody) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
