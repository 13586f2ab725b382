package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the logs command
func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Show a task's lifecycle journal",
		Long: `Print the append-only event journal for a task: created, claimed,
submitted, rejected, accepted, with their recorded fields.

Example:
  drover logs TASK-a1b2c3d4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			id, err := requireArgTask(args)
			if err != nil {
				return err
			}

			events, err := app.journal.Events(id)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			if len(events) == 0 {
				fmt.Printf("No events for TASK-%s.\n", id)
				return nil
			}

			for _, e := range events {
				var fields []string
				for k, v := range e.Fields {
					fields = append(fields, fmt.Sprintf("%s=%s", k, v))
				}
				sort.Strings(fields)
				fmt.Printf("%s  %-10s %s\n", e.Time.Format("2006-01-02 15:04:05"), e.Event, strings.Join(fields, " "))
			}
			return nil
		},
	}
}
