package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/task"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and pause state",
		Long: `Show how many tasks sit in each queue and whether the scheduler
is paused.

Example:
  drover status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			counts, err := app.store.QueueCounts(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue counts: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(counts)
			}

			if _, err := os.Stat(app.paths.PauseFlag()); err == nil {
				fmt.Println("Scheduler: PAUSED (drover resume to continue)")
			} else {
				fmt.Println("Scheduler: active")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tCOUNT")
			for _, q := range task.ValidQueues() {
				if counts[q] == 0 && q != task.QueueIncoming && q != task.QueueClaimed {
					continue
				}
				fmt.Fprintf(w, "%s\t%d\n", queueLabel(q), counts[q])
			}
			return w.Flush()
		},
	}
}
