package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ErrInterrupted marks an exit caused by SIGINT/SIGTERM so main can
// map it to exit code 130.
var ErrInterrupted = errors.New("interrupted")

// newTickCmd creates the one-shot tick command
func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass",
		Long: `Run a single scheduler tick: reap finished agents, reclaim zombie
leases, launch agents under backpressure, drive merge hooks, and fire
background jobs. Useful from cron or while debugging.

Example:
  drover tick`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			sched := app.buildScheduler()
			if err := sched.Tick(cmd.Context()); err != nil {
				return err
			}
			if !quiet {
				fmt.Println("Tick complete.")
			}
			return nil
		},
	}
}

// newRunCmd creates the scheduler loop command
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop",
		Long: `Tick the scheduler on its configured interval until interrupted.

The first interrupt signals child agents and exits; claims left behind
are reclaimed after lease expiry.

Example:
  drover run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signalContext()
			defer cancel()

			sched := app.buildScheduler()
			if !quiet {
				fmt.Printf("Scheduler running (orchestrator %s, interval %s). Ctrl-C to stop.\n",
					sched.OrchestratorID, app.cfg.Timing.TickInterval)
			}

			err = sched.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return ErrInterrupted
			}
			return err
		},
	}
}

// signalContext cancels on SIGINT/SIGTERM; a second signal forces
// immediate exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s, shutting down...\n", sig)
		cancel()

		sig = <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s again, forcing exit\n", sig)
		os.Exit(130)
	}()

	return ctx, cancel
}
