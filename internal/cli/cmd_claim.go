package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
)

// newClaimCmd creates the manual claim command
func newClaimCmd() *cobra.Command {
	var agent string
	var roleFilter string
	var queue string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Manually claim the next eligible task",
		Long: `Claim the next task as a named agent, preparing its worktree.

Mostly a debugging aid; normally the scheduler claims on behalf of its
fleet. The claim takes a real lease, so release it by submitting or by
letting the lease expire.

Example:
  drover claim --agent dev-human
  drover claim --agent coder-1 --role implement`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agent == "" {
				return fmt.Errorf("--agent is required")
			}
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			claimed, err := app.ctl.Claim(cmd.Context(), store.ClaimRequest{
				OrchestratorID: "cli",
				AgentName:      agent,
				RoleFilter:     roleFilter,
				Queue:          task.Queue(queue),
				MaxClaimed:     app.cfg.QueueLimits.MaxClaimed,
				LeaseDuration:  app.cfg.Timing.LeaseDuration,
			})
			if err != nil {
				return err
			}
			if claimed == nil {
				fmt.Println("Nothing claimable.")
				return nil
			}

			fmt.Printf("Claimed TASK-%s: %s\n", claimed.Task.ID, claimed.Task.Title)
			fmt.Printf("   Worktree: %s\n", claimed.WorktreePath)
			fmt.Printf("   Attempt:  %d\n", claimed.Task.AttemptCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "agent name to claim as (required)")
	cmd.Flags().StringVar(&roleFilter, "role", "", "only claim tasks with this role")
	cmd.Flags().StringVar(&queue, "queue", "", "claim queue (default incoming)")
	return cmd
}
