// Package cmd holds the CLI entrypoints.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "workbench-server",
		Short: "Coordination server for eReuse Workbench refurbishment sessions",
		Long: `workbench-server collects the partial hardware reports Workbench clients
send while refurbishing machines, merges them into one snapshot per session
and delivers finished snapshots to a DeviceHub inventory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file (default: workbench.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI. The context is canceled on SIGINT/SIGTERM so the
// serve command can shut down cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
