package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/task"
)

// newNewCmd creates the new task command
func newNewCmd() *cobra.Command {
	var (
		roleName  string
		priority  string
		taskType  string
		blockedBy []string
		checks    []string
		project   string
		expedite  bool
		body      string
		bodyFile  string
		createdBy string
	)

	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create a new task",
		Long: `Create a task in the incoming queue.

The brief body (context, acceptance criteria) comes from --body or
--body-file; the task record itself stays small.

Example:
  drover new "Fix authentication timeout"
  drover new "Ship dark mode" --role implement --priority P1
  drover new "Part 2" --blocked-by TASK-a1b2c3d4
  drover new "Hotfix" --expedite`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			if priority != "" && !task.IsValidPriority(task.Priority(priority)) {
				return fmt.Errorf("invalid priority %q (valid: P0, P1, P2, P3)", priority)
			}

			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body file: %w", err)
				}
				body = string(data)
			}

			t, err := app.ctl.Create(cmd.Context(), lifecycle.CreateRequest{
				Title:     args[0],
				Role:      roleName,
				Priority:  task.Priority(priority),
				Type:      taskType,
				BlockedBy: strings.Join(blockedBy, ","),
				ProjectID: project,
				Expedite:  expedite,
				Checks:    checks,
				CreatedBy: createdBy,
				Body:      body,
			})
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("Task created: TASK-%s\n", t.ID)
				fmt.Printf("   Title:    %s\n", t.Title)
				fmt.Printf("   Role:     %s\n", t.Role)
				fmt.Printf("   Priority: %s\n", t.GetPriority())
				if t.BlockedBy != "" {
					fmt.Printf("   Blocked by: %s\n", t.BlockedBy)
				}
				if t.Expedite {
					fmt.Println("   Expedite: yes")
				}
				fmt.Printf("\nBrief: %s\n", t.FilePath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&roleName, "role", "r", "implement", "task role (implement, breakdown, ...)")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "priority (P0, P1, P2, P3)")
	cmd.Flags().StringVarP(&taskType, "type", "t", "", "task type for hook resolution")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "task IDs that must be accepted first")
	cmd.Flags().StringSliceVar(&checks, "check", nil, "acceptance check (repeatable)")
	cmd.Flags().StringVar(&project, "project-id", "", "project grouping tag")
	cmd.Flags().BoolVar(&expedite, "expedite", false, "jump the claim queue")
	cmd.Flags().StringVarP(&body, "body", "d", "", "brief body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read brief body from file")
	cmd.Flags().StringVar(&createdBy, "by", "human", "creator recorded in the brief")
	return cmd
}
