package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/config"
)

const configTemplate = `# drover configuration
scope: %s
base_branch: %s

queue_limits:
  max_incoming: 30
  max_claimed: 4
  max_provisional: 10
  max_open_prs: 10

# hooks:
#   before_submit: [rebase_on_main, run_tests, create_pr]
#   before_merge: [merge_pr]

# agents:
#   coder-1:
#     type: coder
#     role: implement
#     command: ./scripts/run-agent.sh
`

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	var scope string
	var baseBranch string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize drover in the current project",
		Long: `Create the .drover state directory and a starter config.

The scope tags every task this installation creates; multiple projects
sharing one database stay isolated by scope.

Example:
  drover init --scope myteam
  drover init --scope myteam --base-branch develop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				return fmt.Errorf("--scope is required")
			}

			paths := config.NewPaths(projectDir)
			cfgPath := paths.ConfigFile()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}

			dirs := []string{
				paths.TasksDir(),
				paths.AgentsDir(),
				paths.Threads(),
				paths.Messages(),
				paths.Notes(),
				paths.TaskLogsDir(),
				paths.PRsDir(),
			}
			for _, d := range dirs {
				if err := os.MkdirAll(d, 0755); err != nil {
					return fmt.Errorf("create %s: %w", d, err)
				}
			}

			content := fmt.Sprintf(configTemplate, scope, baseBranch)
			if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			if !quiet {
				rel, _ := filepath.Rel(projectDir, cfgPath)
				fmt.Printf("Initialized drover in %s\n", filepath.Dir(rel))
				fmt.Println("\nNext steps:")
				fmt.Println("  drover new \"Your first task\"")
				fmt.Println("  drover run")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "scope tag for this installation (required)")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "integration branch")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
