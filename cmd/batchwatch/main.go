package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/batchwatch/cmd/batchwatch/commands"
	"github.com/teranos/batchwatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "batchwatch",
	Short: "batchwatch - watch async batches and trigger one downstream job per set",
	Long: `batchwatch - polling engine for asynchronous batch work.

A job groups up to ten provider batches. batchwatch polls their status on a schedule
and, once every batch has finished, starts exactly one downstream job with a summary
of which batches completed and which failed.

Available commands:
  run     - Run the polling engine in the foreground
  job     - Create and manage jobs
  secret  - Manage encrypted provider credentials
  purge   - Delete finished jobs past retention
  stats   - Show stored job, secret and log counts
  config  - Show or initialise configuration

Examples:
  batchwatch secret add openai-prod --type openai
  batchwatch job add --name nightly --batch batch_abc --status-secret openai-prod ...
  batchwatch run -v`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigFile, "config", "", "Config file (default: merged system, user and project files)")
	rootCmd.PersistentFlags().StringVar(&commands.DatabasePath, "db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.SecretCmd)
	rootCmd.AddCommand(commands.PurgeCmd)
	rootCmd.AddCommand(commands.StatsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(commands.Describe(err))
		os.Exit(commands.ExitCode(err))
	}
}
