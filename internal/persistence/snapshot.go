package persistence

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotManager stores point-in-time copies of the ledger records and
// reads the audit log back for verification and restart.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// SaveSnapshot persists snap and returns the encoded document so callers
// can archive the same bytes.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots (sequence, state_hash, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = EXCLUDED.state_hash, data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		snap.Sequence, snap.StateHash[:], data, snap.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	return data, nil
}

// LoadLatestSnapshot returns the most recent snapshot, or nil when none was
// taken yet.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LatestChainTip returns the last envelope's sequence and state hash, or
// nil when the audit log is empty.
func (sm *SnapshotManager) LatestChainTip(ctx context.Context) (*core.ChainTip, error) {
	var (
		seq  int64
		hash []byte
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}

	tip := &core.ChainTip{Sequence: seq}
	if err := copyHash(tip.StateHash[:], hash); err != nil {
		return nil, fmt.Errorf("chain tip at sequence %d: %w", seq, err)
	}
	return tip, nil
}

// LoadEnvelopes reads up to limit envelopes starting at fromSequence.
func (sm *SnapshotManager) LoadEnvelopes(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, user_id, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			row       EventRow
			timestamp time.Time
		)
		if err := rows.Scan(
			&row.Sequence, &row.EventType, &row.IdempotencyKey, &row.UserID,
			&row.Payload, &row.StateHash, &row.PrevHash, &timestamp,
		); err != nil {
			return nil, err
		}
		row.Timestamp = timestamp

		env, err := envelopeFromRow(row)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}

	return envelopes, rows.Err()
}

// LoadAllEnvelopes pages through the whole audit log.
func (sm *SnapshotManager) LoadAllEnvelopes(ctx context.Context, pageSize int) ([]*event.EventEnvelope, error) {
	var all []*event.EventEnvelope
	from := int64(1)
	for {
		page, err := sm.LoadEnvelopes(ctx, from, pageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
		from = page[len(page)-1].Sequence + 1
	}
}

func envelopeFromRow(row EventRow) (*event.EventEnvelope, error) {
	eventType, err := event.ParseEventType(row.EventType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	env := &event.EventEnvelope{
		Sequence:       row.Sequence,
		IdempotencyKey: row.IdempotencyKey,
		EventType:      eventType,
		User:           row.UserID,
		Timestamp:      row.Timestamp.UTC(),
		Payload:        row.Payload,
	}
	if err := copyHash(env.StateHash[:], row.StateHash); err != nil {
		return nil, fmt.Errorf("sequence %d state_hash: %w", row.Sequence, err)
	}
	if err := copyHash(env.PrevHash[:], row.PrevHash); err != nil {
		return nil, fmt.Errorf("sequence %d prev_hash: %w", row.Sequence, err)
	}
	return env, nil
}

func copyHash(dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("hash has %d bytes, want %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}
