package projection

import (
	"context"
	"errors"
	"math/bits"
	"sort"
	"sync"
)

// DefaultActivityLimit is how many entries MemoryStore keeps per user.
const DefaultActivityLimit = 1000

type MemoryOption func(*MemoryStore)

// WithActivityLimit caps the activity kept per user. Older entries are
// evicted first.
func WithActivityLimit(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.activityLimit = n
		}
	}
}

// MemoryStore keeps projections in process memory. Nothing survives a
// restart, so positions and activity start empty and only reflect events
// applied since the process started.
type MemoryStore struct {
	mu sync.RWMutex

	// activity holds each user's entries in ascending sequence order.
	activity      map[string][]Activity
	activityLimit int
	positions     map[string]*Position
	watermark     int64
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		activity:      make(map[string][]Activity),
		activityLimit: DefaultActivityLimit,
		positions:     make(map[string]*Position),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) Apply(ctx context.Context, u Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addActivity(u.Activity)

	if c := u.Position; c != nil {
		p, ok := m.positions[c.User]
		if !ok {
			p = &Position{User: c.User}
			m.positions[c.User] = p
		}
		if u.Sequence > p.LastSequence {
			if c.Deposited != nil {
				p.Deposited = *c.Deposited
			}
			if c.CreditLine != nil {
				p.CreditLine = *c.CreditLine
			}
			if c.UsedCredit != nil {
				p.UsedCredit = *c.UsedCredit
			}
			p.LastSequence = u.Sequence
		}
	}

	if u.Sequence > m.watermark {
		m.watermark = u.Sequence
	}
	return nil
}

// addActivity inserts a in sequence order, ignoring redeliveries.
func (m *MemoryStore) addActivity(a Activity) {
	entries := m.activity[a.User]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Sequence >= a.Sequence })
	if i < len(entries) && entries[i].Sequence == a.Sequence {
		return
	}

	entries = append(entries, Activity{})
	copy(entries[i+1:], entries[i:])
	entries[i] = a

	if over := len(entries) - m.activityLimit; over > 0 {
		entries = append(entries[:0:0], entries[over:]...)
	}
	m.activity[a.User] = entries
}

func (m *MemoryStore) Activity(ctx context.Context, user string, limit int, beforeSequence int64) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.activity[user]
	end := len(entries)
	if beforeSequence > 0 {
		end = sort.Search(len(entries), func(i int) bool { return entries[i].Sequence >= beforeSequence })
	}

	n := end
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Activity, 0, n)
	for i := end - 1; i >= end-n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *MemoryStore) Position(ctx context.Context, user string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[user]
	if !ok {
		return nil, ErrPositionNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{Users: len(m.positions)}
	var carry uint64
	for _, p := range m.positions {
		if s.TotalDeposited, carry = bits.Add64(s.TotalDeposited, p.Deposited, 0); carry != 0 {
			return nil, errors.New("total_deposited overflows uint64")
		}
		if s.OutstandingCredit, carry = bits.Add64(s.OutstandingCredit, p.UsedCredit, 0); carry != 0 {
			return nil, errors.New("outstanding_credit overflows uint64")
		}
	}
	return s, nil
}

func (m *MemoryStore) Watermark(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *MemoryStore) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = make(map[string][]Activity)
	m.positions = make(map[string]*Position)
	m.watermark = 0
	return nil
}
