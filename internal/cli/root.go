// Package cli implements the drover command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	projectDir string
	verbose    bool
	quiet      bool
	jsonOut    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Autonomous coding agent orchestrator",
	Long: `drover herds a fleet of coding agents through a shared task queue.

Tasks move through queues (incoming, claimed, provisional, done) under
optimistic concurrency. The scheduler launches agents under backpressure,
runs merge hooks for provisional work, and reclaims dead claims.

Quick start:
  drover init --scope myteam     Initialize drover in current project
  drover new "Fix login bug"     Create a task
  drover run                     Start the scheduler loop
  drover list                    Show the queues`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", ".", "project directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newClaimCmd())
	rootCmd.AddCommand(newAcceptCmd())
	rootCmd.AddCommand(newRejectCmd())
	rootCmd.AddCommand(newTickCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newPermissionsCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newVersionCmd())
}
