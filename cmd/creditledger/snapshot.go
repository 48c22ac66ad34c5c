package main

import (
	"CreditLedger/internal/core"
	"CreditLedger/internal/custody"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"fmt"

	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Save a snapshot of the records at the audit log tip",
		Long: `snapshot restores the ledger from the store and the audit log, writes a
snapshot to event_log.snapshots and uploads it to the archive when MinIO is
configured. Run it while the server is stopped, or rely on the server's
periodic snapshots instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := observability.NewLogger("snapshot")

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			auditDB, err := openAuditDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if auditDB == nil {
				return errNoAuditLog
			}
			defer auditDB.Close()
			snapshots := persistence.NewSnapshotManager(auditDB.DB, nil)

			var archive *persistence.SnapshotArchive
			if cfg.MinIO.Endpoint != "" {
				if archive, err = persistence.NewSnapshotArchive(ctx, cfg.ArchiveSettings(), logger); err != nil {
					return err
				}
			}

			ledger := newLedger(st, custody.NewMemoryCustody(), core.Outputs{}, cfg, nil)
			if err := restoreLedger(ctx, ledger, snapshots, logger); err != nil {
				return fmt.Errorf("restore: %w", err)
			}
			if err := takeSnapshot(ctx, ledger, snapshots, archive, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot saved at sequence %d\n", ledger.Sequence())
			return nil
		},
	}
}
