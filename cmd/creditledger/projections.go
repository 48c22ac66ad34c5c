package main

import (
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/projection"
	"fmt"

	"github.com/spf13/cobra"
)

func newProjectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projections",
		Short: "Manage the read-side projections",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Truncate the projections and replay the audit log into them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := observability.NewLogger("projections")

			auditDB, err := openAuditDB(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if auditDB == nil {
				return errNoAuditLog
			}
			defer auditDB.Close()

			envelopes, err := persistence.NewSnapshotManager(auditDB.DB, nil).LoadAllEnvelopes(ctx, verifyPageSize)
			if err != nil {
				return err
			}
			store := projection.NewPostgresStore(auditDB)
			if err := projection.Rebuild(ctx, store, envelopes); err != nil {
				return err
			}
			watermark, err := store.Watermark(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events, watermark %d\n", len(envelopes), watermark)
			return nil
		},
	})
	return cmd
}
