// Command arcctl manages relations and drives field propagation from the shell.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version       = "0.1.0-dev"
	globalConfig  string
	globalVerbose bool
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "arcctl",
		Short:         "Manage relations and field propagation for the admin console",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&globalConfig, "config", "c", "", "Path to arc-sync.yaml")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "Log upstream calls to stderr")

	rootCmd.AddCommand(
		newRelationsCmd(),
		newSettingsCmd(),
		newPropagateCmd(),
		newTokenCmd(),
	)

	return rootCmd
}
