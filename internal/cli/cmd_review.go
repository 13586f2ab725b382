package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/review"
)

// newAcceptCmd creates the accept command
func newAcceptCmd() *cobra.Command {
	var by string

	cmd := &cobra.Command{
		Use:   "accept <task-id>",
		Short: "Accept a provisional task",
		Long: `Accept provisional work: the task moves to done, its worktree is
pushed and detached, and its thread is cleared.

Fails while a before_merge hook is still pending; run 'drover tick' to
drive the merge gate first.

Example:
  drover accept TASK-a1b2c3d4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyVerdict(cmd, args, review.Decision{Verdict: review.VerdictAccept, ReviewedBy: by})
		},
	}
	cmd.Flags().StringVar(&by, "by", "human", "reviewer recorded in the journal")
	return cmd
}

// newRejectCmd creates the reject command
func newRejectCmd() *cobra.Command {
	var by string
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <task-id>",
		Short: "Reject a provisional task back to incoming",
		Long: `Reject provisional work with a reason the next attempt will read.

The rejection count increments; at the cap the task escalates to a
human instead of requeueing.

Example:
  drover reject TASK-a1b2c3d4 --reason "tests missing for the error path"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}
			return applyVerdict(cmd, args, review.Decision{Verdict: review.VerdictReject, Reason: reason, ReviewedBy: by})
		},
	}
	cmd.Flags().StringVar(&by, "by", "human", "reviewer recorded in the journal")
	cmd.Flags().StringVarP(&reason, "reason", "m", "", "why the work is rejected (required)")
	return cmd
}

func applyVerdict(cmd *cobra.Command, args []string, d review.Decision) error {
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

	updated, err := review.Apply(cmd.Context(), app.ctl, t, d)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("TASK-%s is now %s\n", updated.ID, queueLabel(updated.Queue))
	}
	return nil
}
