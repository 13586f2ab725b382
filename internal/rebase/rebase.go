// Package rebase keeps provisional branches current with the base
// branch. It is the only component allowed to force-push, and only
// ever with --force-with-lease.
package rebase

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/hook"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/role"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/thread"
)

// Worker processes tasks flagged needs_rebase.
type Worker struct {
	cfg     *config.Config
	paths   config.Paths
	store   store.Store
	ctl     *lifecycle.Controller
	threads *thread.Log
	git     *gitx.Git
	runner  gitx.Runner
	log     *slog.Logger

	mu          sync.Mutex
	lastAttempt map[string]time.Time
}

func New(cfg *config.Config, st store.Store, ctl *lifecycle.Controller, threads *thread.Log, repoDir string, runner gitx.Runner, log *slog.Logger) *Worker {
	if runner == nil {
		runner = gitx.NewExecRunner()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:         cfg,
		paths:       cfg.StateDir(),
		store:       st,
		ctl:         ctl,
		threads:     threads,
		git:         gitx.New(repoDir, runner),
		runner:      runner,
		log:         log,
		lastAttempt: make(map[string]time.Time),
	}
}

// WorktreePath is the dedicated rebaser worktree, distinct from agent
// and task worktrees.
func (w *Worker) WorktreePath() string {
	return filepath.Join(w.paths.RebaserDir(), "worktree")
}

// Run sweeps provisional tasks once. Per-task failures reject or
// annotate the task and never stop the sweep.
func (w *Worker) Run(ctx context.Context) error {
	tasks, err := w.store.List(ctx, store.ListFilter{Queue: task.QueueProvisional})
	if err != nil {
		return fmt.Errorf("list provisional tasks: %w", err)
	}

	for _, t := range tasks {
		if !w.eligible(t) {
			continue
		}
		w.markAttempt(t.ID)
		if err := w.processTask(ctx, t); err != nil {
			w.log.Error("rebase task", "task", t.ID, "error", err)
		}
	}
	return nil
}

// eligible filters to flagged tasks outside the cooldown window.
// Tasks owned by the orchestrator-implementation role are skipped;
// their submodule branches need different handling.
func (w *Worker) eligible(t *task.Task) bool {
	if !t.NeedsRebase || t.Branch == "" {
		return false
	}
	if t.Role == string(role.OrchestratorImpl) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cooldown := w.cfg.Timing.RebaseCooldown
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return time.Since(w.lastAttempt[t.ID]) >= cooldown
}

func (w *Worker) markAttempt(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastAttempt[taskID] = time.Now()
}

func (w *Worker) processTask(ctx context.Context, t *task.Task) error {
	wt, err := w.prepareWorktree(ctx, t.Branch)
	if err != nil {
		return errors.ErrWorktree(t.ID, "prepare rebaser worktree", err)
	}

	upstream := "origin/" + w.cfg.BaseBranch
	if err := wt.Rebase(ctx, upstream); err != nil {
		conflicted := wt.ConflictedFiles(ctx)
		wt.AbortRebase(ctx)
		reason := fmt.Sprintf("Automatic rebase onto %s hit conflicts in: %s. Resolve the conflicts on branch %s and resubmit.",
			upstream, strings.Join(conflicted, ", "), t.Branch)
		_, rejErr := w.ctl.Reject(ctx, t.ID, reason, "rebaser", t.Version)
		return rejErr
	}

	if reason, ok := w.runTests(ctx, wt.Dir()); !ok {
		_, rejErr := w.ctl.Reject(ctx, t.ID, reason, "rebaser", t.Version)
		return rejErr
	}

	if err := wt.PushWithLease(ctx, "origin", t.Branch); err != nil {
		w.log.Warn("push with lease", "task", t.ID, "branch", t.Branch, "error", err)
		if err := w.threads.Append(t.ID, "rebaser", thread.RoleNote,
			fmt.Sprintf("Rebased onto %s but the push was refused (branch moved): %v", upstream, err)); err != nil {
			w.log.Warn("append rebase note", "task", t.ID, "error", err)
		}
		return nil
	}

	t.NeedsRebase = false
	if _, err := w.store.Update(ctx, t); err != nil {
		return err
	}
	w.log.Info("task rebased", "task", t.ID, "branch", t.Branch, "onto", upstream)
	return nil
}

// prepareWorktree checks the task's branch out from origin in the
// rebaser worktree and returns a Git handle bound to it.
func (w *Worker) prepareWorktree(ctx context.Context, branch string) (*gitx.Git, error) {
	fetchCtx, cancel := w.timeoutCtx(ctx, w.cfg.Timing.GitFetchTimeout)
	defer cancel()
	if err := w.git.Fetch(fetchCtx, "origin"); err != nil {
		return nil, err
	}

	path := w.WorktreePath()
	wt := w.git.In(path)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if _, err := wt.Git(ctx, "checkout", "-B", branch, "origin/"+branch); err != nil {
			return nil, err
		}
		return wt, nil
	}

	if err := w.git.WorktreeAdd(ctx, path, "", "origin/"+branch); err != nil {
		w.git.WorktreePrune(ctx)
		if err := w.git.WorktreeAdd(ctx, path, "", "origin/"+branch); err != nil {
			return nil, err
		}
	}
	if _, err := wt.Git(ctx, "checkout", "-B", branch, "origin/"+branch); err != nil {
		return nil, err
	}
	return wt, nil
}

// runTests mirrors the run_tests hook in the rebaser worktree. A
// missing test runner passes; a failing suite rejects with the output
// tail.
func (w *Worker) runTests(ctx context.Context, dir string) (string, bool) {
	name, args := hook.DetectTestCommand(dir)
	if name == "" {
		return "", true
	}

	testCtx, cancel := w.timeoutCtx(ctx, w.cfg.Timing.TestTimeout)
	defer cancel()
	out, err := w.runner.Run(testCtx, dir, name, args...)
	if err == nil {
		return "", true
	}

	output := out
	var cmdErr *gitx.CommandError
	if stderrors.As(err, &cmdErr) && cmdErr.Output != "" {
		output = cmdErr.Output
	}
	if len(output) > 3000 {
		output = output[len(output)-3000:]
	}
	return fmt.Sprintf("Tests failed after rebase (%s %s):\n%s", name, strings.Join(args, " "), output), false
}

func (w *Worker) timeoutCtx(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
