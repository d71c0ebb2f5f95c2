package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/ingestd/cmd/ingestd/commands"
	"github.com/teranos/ingestd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "ingestd - lease-based ingestion scheduler",
	Long: `ingestd - lease-based ingestion scheduler and workers.

ingestd schedules ingestion jobs against external data sources, hands them
to workers under a lease, and merges checkpointed partial results across
retries.

Available commands:
  serve        - Run the scheduler, triggers and local workers
  worker       - Run workers against a remote scheduler
  jobs         - Inspect and cancel job instances
  definitions  - Manage job definitions
  triggers     - Manage and fire triggers
  am           - Show and validate configuration
  db           - Database maintenance

Examples:
  ingestd serve                      # Scheduler + HTTP API on :8740
  ingestd worker --scheduler http://scheduler:8740
  ingestd definitions apply -f issues.yaml
  ingestd jobs ls --status PENDING,FAILURE`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
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
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DefinitionsCmd)
	rootCmd.AddCommand(commands.TriggersCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
