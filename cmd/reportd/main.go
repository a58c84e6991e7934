package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/reportd/cmd/reportd/commands"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/sym"
)

var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: sym.Pulse + " reportd - scheduled report generation and delivery",
	Long: sym.Pulse + ` reportd runs report schedules: it fires them on their cron expression,
generates each report, and delivers it to email, file storage, API endpoints
and webhooks, retrying failures with exponential backoff.

Available commands:
  serve      - Run the scheduler, workers and HTTP API
  schedule   - Manage report schedules
  execution  - Inspect and cancel executions
  delivery   - Inspect and retry deliveries
  db         - Database migrations and statistics
  am         - Show configuration ("I am")
  token      - Issue API tokens

Examples:
  reportd serve                         # Start the engine and API on :8740
  reportd schedule apply -f daily.yaml  # Create or update schedules from YAML
  reportd schedule ls                   # List schedules
  reportd execution ls --status failed  # Show failed executions`,
	SilenceUsage: true,
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
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	commands.AddGlobalFlags(rootCmd)

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.ExecutionCmd)
	rootCmd.AddCommand(commands.DeliveryCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.TokenCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
