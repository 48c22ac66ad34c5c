package core

import (
	"CreditLedger/internal/observability"
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultIdempotencyCapacity = 100_000
	tier2Timeout               = 500 * time.Millisecond
)

// AppliedChecker answers whether a command was already committed. The
// store implements it against its applied_commands table.
type AppliedChecker interface {
	IsApplied(ctx context.Context, operation, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recently applied keys in front of the durable store.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: store lookup
	applied AppliedChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIdempotencyChecker(capacity int, applied AppliedChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		applied: applied,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate reports whether operation/key was already applied. A failed
// store lookup is logged and treated as not seen; the store's unique key on
// applied commands still rejects a replay at commit.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, operation, idempotencyKey string) bool {
	compositeKey := operation + ":" + idempotencyKey

	ic.mu.Lock()
	hit := ic.lru.Contains(compositeKey)
	ic.mu.Unlock()

	if hit {
		ic.recordDuplicate(operation, "lru")
		return true
	}

	if ic.applied == nil {
		return false
	}

	lookupCtx, cancel := context.WithTimeout(ctx, tier2Timeout)
	defer cancel()

	isDup, err := ic.applied.IsApplied(lookupCtx, operation, idempotencyKey)
	if err != nil {
		ic.logger.Warn().Err(err).
			Str("op", operation).
			Str("idempotency_key", idempotencyKey).
			Msg("idempotency store lookup failed")
		if ic.metrics != nil {
			ic.metrics.DedupTier2Errors.Inc()
		}
		return false
	}

	if isDup {
		ic.recordDuplicate(operation, "store")
		ic.MarkProcessed(operation, idempotencyKey)
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(operation, idempotencyKey string) {
	ic.mu.Lock()
	ic.lru.Add(operation + ":" + idempotencyKey)
	size := ic.lru.Size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
}

// Warm loads composite "operation:key" entries, oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(operation, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(operation, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of composite keys. Not thread-safe.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, min(capacity, 1024)),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads a batch of keys, oldest first, without promoting keys
// that are already present.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.Add(key)
	}
}

// Keys returns the cached keys from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
