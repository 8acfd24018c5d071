// Command captablectl is the operator CLI for the cap table service. It
// talks to the database directly and runs the same services as the API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"captable/internal/logger"
)

var Version = "dev"

func main() {
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "captablectl",
		Short:         "Operate the mortgage cap table",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(ownershipCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())

	return rootCmd
}
