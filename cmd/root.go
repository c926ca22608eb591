// Package cmd defines and implements the CLI commands for the scheduler executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawl-scheduler",
		Short: "Fires scrape and crawl jobs against the fetch engine on a schedule.",
		Long: `crawl-scheduler keeps a timer for every enabled schedule (cron, fixed
interval or one-time), dispatches each firing to the fetch engine with bounded
concurrency and retries, and records the resulting jobs.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newMigrateCmd(&cfgFile))
	cmd.AddCommand(newNextRunCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		os.Exit(1)
	}
}
