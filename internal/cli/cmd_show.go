package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/review"
)

// newShowCmd creates the show command
func newShowCmd() *cobra.Command {
	var withThread bool

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task details",
		Long: `Show one task's record, hooks, and optionally its thread.

Example:
  drover show TASK-a1b2c3d4
  drover show a1b2c3d4 --thread`,
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
			t, err := app.store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(t)
			}

			fmt.Printf("TASK-%s  %s\n", t.ID, t.Title)
			fmt.Printf("  Queue:     %s\n", queueLabel(t.Queue))
			fmt.Printf("  Role:      %s\n", t.Role)
			fmt.Printf("  Priority:  %s\n", t.GetPriority())
			fmt.Printf("  Version:   %d\n", t.Version)
			if t.Branch != "" {
				fmt.Printf("  Branch:    %s\n", t.Branch)
			}
			if t.ClaimedBy != "" {
				fmt.Printf("  Claimed:   %s (orchestrator %s)\n", t.ClaimedBy, t.OrchestratorID)
				if t.LeaseExpiresAt != nil {
					fmt.Printf("  Lease:     expires %s\n", t.LeaseExpiresAt.Format(time.RFC3339))
				}
			}
			if t.BlockedBy != "" {
				fmt.Printf("  Blocked:   %s\n", t.BlockedBy)
			}
			if t.PRNumber != 0 {
				fmt.Printf("  PR:        #%d %s\n", t.PRNumber, t.PRURL)
			}
			fmt.Printf("  Attempts:  %d  Rejections: %d  Commits: %d  Turns: %d\n",
				t.AttemptCount, t.RejectionCount, t.CommitsCount, t.TurnsUsed)
			if t.NeedsRebase {
				fmt.Println("  Needs rebase: yes")
			}
			if t.ContinuationReason != "" {
				fmt.Printf("  Continuation: %s (last agent %s)\n", t.ContinuationReason, t.LastAgent)
			}

			if len(t.Hooks) > 0 {
				fmt.Println("  Hooks:")
				for _, h := range t.Hooks {
					fmt.Printf("    %-16s %-14s %s\n", h.Name, string(h.Point), string(h.Status))
				}
			}

			if withThread {
				ac, err := review.Load(app.threads, t)
				if err != nil {
					return err
				}
				for _, m := range ac.Messages {
					fmt.Printf("\n[%s] %s from %s:\n%s\n",
						m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Author, m.Content)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withThread, "thread", false, "include the message thread")
	return cmd
}
