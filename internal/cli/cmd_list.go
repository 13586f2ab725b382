package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
)

// newListCmd creates the list command
func newListCmd() *cobra.Command {
	var queueFilter string
	var roleFilter string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		Long: `List tasks, expedited first, then by priority and age.

Example:
  drover list
  drover list --queue provisional
  drover list --role implement`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			tasks, err := app.store.List(cmd.Context(), store.ListFilter{
				Queue: task.Queue(queueFilter),
				Role:  roleFilter,
			})
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}

			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: drover new \"Your task\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			width := titleWidth()
			fmt.Fprintln(w, "ID\tQUEUE\tPRI\tROLE\tREJ\tCLAIMED BY\tTITLE")
			for _, t := range tasks {
				claimedBy := t.ClaimedBy
				if claimedBy == "" {
					claimedBy = "-"
				}
				pri := string(t.GetPriority())
				if t.Expedite {
					pri += "!"
				}
				fmt.Fprintf(w, "TASK-%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, queueLabel(t.Queue), pri, t.Role, t.RejectionCount, claimedBy, truncate(t.Title, width))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&queueFilter, "queue", "", "filter by queue")
	cmd.Flags().StringVar(&roleFilter, "role", "", "filter by role")
	return cmd
}
