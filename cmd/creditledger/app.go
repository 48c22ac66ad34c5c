package main

import (
	"CreditLedger/internal/config"
	"CreditLedger/internal/core"
	"CreditLedger/internal/credit"
	"CreditLedger/internal/custody"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/store"
	"CreditLedger/migrations"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

var errNoAuditLog = errors.New("no audit log configured (set audit.dsn or use the postgres store)")

// openAuditDB connects to the event log database and applies pending
// migrations. It returns nil when no audit log is configured.
func openAuditDB(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*sqlx.DB, error) {
	dsn := cfg.AuditDSN()
	if dsn == "" {
		return nil, nil
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit log: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	applied, err := persistence.NewMigrator(db.DB, migrations.Files, logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit log: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("audit log migrated")
	return db, nil
}

// openStore opens the record store. A Postgres store is migrated first so
// it can run against a database separate from the audit log.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if pg, ok := st.(*store.PostgresStore); ok {
		if _, err := persistence.NewMigrator(pg.DB(), migrations.Files, logger).Up(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}
	return st, nil
}

// restoreLedger moves the ledger to the audit log's chain tip and warms the
// idempotency cache from the latest snapshot. snapshots may be nil.
func restoreLedger(ctx context.Context, l *core.Ledger, snapshots *persistence.SnapshotManager, logger zerolog.Logger) error {
	var tip *core.ChainTip
	if snapshots != nil {
		var err error
		if tip, err = snapshots.LatestChainTip(ctx); err != nil {
			return fmt.Errorf("load chain tip: %w", err)
		}
	}
	if err := l.Restore(ctx, tip); err != nil {
		return err
	}
	if snapshots == nil {
		return nil
	}

	snap, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not load snapshot, idempotency cache starts cold")
		return nil
	}
	if snap != nil {
		l.WarmIdempotency(snap.IdempotencyKeys)
		logger.Info().
			Int64("snapshot_sequence", snap.Sequence).
			Int("keys", len(snap.IdempotencyKeys)).
			Msg("idempotency cache warmed")
	}
	return nil
}

// seedCustody mirrors the recorded deposits into the in-memory custody so
// collateral deposited before a restart can be withdrawn.
func seedCustody(ctx context.Context, st store.Store, c *custody.MemoryCustody) error {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range users {
		c.Seed(u.Owner, u.DepositedAmount)
	}
	return nil
}

// takeSnapshot saves the current state and, when an archive is configured,
// uploads the same document.
func takeSnapshot(ctx context.Context, l *core.Ledger, snapshots *persistence.SnapshotManager, archive *persistence.SnapshotArchive, logger zerolog.Logger) error {
	snap, err := l.CreateSnapshotState(ctx)
	if err != nil {
		return err
	}
	data, err := snapshots.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	logger.Info().Int64("sequence", snap.Sequence).Int("bytes", len(data)).Msg("snapshot saved")

	if archive != nil {
		key, err := archive.Upload(ctx, snap.Sequence, data)
		if err != nil {
			return fmt.Errorf("archive snapshot: %w", err)
		}
		logger.Info().Str("key", key).Msg("snapshot archived")
	}
	return nil
}

func newLedger(st store.Store, c credit.Custody, out core.Outputs, cfg *config.Config, metrics *observability.Metrics) *core.Ledger {
	opts := []core.Option{
		core.WithLogger(observability.NewLogger("core")),
		core.WithIdempotencyCapacity(cfg.Ledger.IdempotencyCapacity),
	}
	if metrics != nil {
		opts = append(opts, core.WithMetrics(metrics))
	}
	return core.NewLedger(st, c, out, opts...)
}
