package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "nectar",
		Short:        "Replicated store for signed, expiring records",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("dir", "", "Data directory (default ~/.nectar)")

	rootCmd.AddCommand(
		newNodeCmd(),
		newKeysCmd(),
		newLedgerCmd(),
		newPublishCmd(),
		newRetractCmd(),
		newRecordsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
