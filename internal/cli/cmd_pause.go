package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/drover/internal/config"
)

// newPauseCmd creates the pause command
func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the scheduler",
		Long: `Set the pause flag. Running schedulers skip their ticks until the
flag is removed; agents already launched finish their current task.

Example:
  drover pause
  drover resume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := config.NewPaths(projectDir)
			if err := os.MkdirAll(paths.Root, 0755); err != nil {
				return err
			}
			if err := os.WriteFile(paths.PauseFlag(), nil, 0644); err != nil {
				return fmt.Errorf("set pause flag: %w", err)
			}
			if !quiet {
				fmt.Println("Scheduler paused. Resume with: drover resume")
			}
			return nil
		},
	}
}

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := config.NewPaths(projectDir)
			err := os.Remove(paths.PauseFlag())
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove pause flag: %w", err)
			}
			if !quiet {
				if os.IsNotExist(err) {
					fmt.Println("Scheduler was not paused.")
				} else {
					fmt.Println("Scheduler resumed.")
				}
			}
			return nil
		},
	}
}
