package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	EnvFile  string
	LogLevel string
	DSN      string
}

var rf rootFlags

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "portalflow",
		Short:         "Idempotent provisioning workflows for ArcGIS portals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&rf.EnvFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&rf.LogLevel, "log-level", "", "debug, info, warn or error (defaults to LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN for the run ledger (defaults to DATABASE_URL)")

	rootCmd.AddCommand(createFeatureServiceCmd())
	rootCmd.AddCommand(batchGeocodeCmd())
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(editFeatureServiceCmd())
	rootCmd.AddCommand(auditAppsCmd())
	rootCmd.AddCommand(recipesCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(twinCmd())

	return rootCmd
}
