package main

import (
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"CreditLedger/migrations"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or list the Postgres schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, db, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := m.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last applied migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, db, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			rolledBack, err := m.Down(cmd.Context())
			if err != nil {
				return err
			}
			if !rolledBack {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back the last migration")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each is applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, db, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := m.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, mig := range status {
				state := "pending"
				if mig.Applied {
					state = "applied"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s_%s\t%s\n", mig.Version, mig.Name, state)
			}
			return nil
		},
	})
	return cmd
}

func openMigrator(cmd *cobra.Command) (*persistence.Migrator, *sql.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	dsn := cfg.AuditDSN()
	if dsn == "" {
		return nil, nil, errNoAuditLog
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(cmd.Context()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return persistence.NewMigrator(db, migrations.Files, observability.NewLogger("migrate")), db, nil
}
