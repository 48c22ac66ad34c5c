package main

import (
	"CreditLedger/internal/config"
	"CreditLedger/internal/observability"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creditledger",
		Short: "Collateralized credit ledger service",
		Long: `creditledger keeps a vault of deposited collateral and the credit line
each participant may draw against it. Every applied command is recorded in a
hash-chained audit log.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(cmd)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newProjectionsCmd())
	return cmd
}

// loadConfig reads the configuration and applies the logging settings.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd)
	if err != nil {
		return nil, err
	}
	observability.ConfigureLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
