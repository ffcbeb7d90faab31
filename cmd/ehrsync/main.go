package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ehrsync",
		Short:        "EHR integration engine for ORCA, FHIR and CSV",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("tenant", "", "Tenant id (defaults to DEFAULT_TENANT)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(csvCmd())
	rootCmd.AddCommand(connectionCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
