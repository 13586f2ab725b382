// Package scheduler runs the orchestrator tick loop: launch agents
// under backpressure, supervise their liveness, drive merge hooks for
// provisional tasks, reclaim zombie leases, and fire background jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/hook"
	"github.com/randalmurphal/drover/internal/hosting"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/rebase"
	"github.com/randalmurphal/drover/internal/recycle"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/worktree"
)

// Scheduler owns one orchestrator instance's tick loop. Multiple
// instances may share a scope; the store's CAS claim arbitrates.
type Scheduler struct {
	cfg      *config.Config
	paths    config.Paths
	store    store.Store
	ctl      *lifecycle.Controller
	wt       *worktree.Manager
	provider hosting.Provider // nil when no host is configured
	runner   gitx.Runner
	prCache  *prCache
	jobs     *jobRegistry
	log      *slog.Logger

	// OrchestratorID identifies this instance in claims.
	OrchestratorID string

	mu           sync.Mutex
	procs        map[string][]*agentProc // live instances per blueprint
	zombieClaims int
}

// Options bundles the collaborators New needs.
type Options struct {
	Config         *config.Config
	Store          store.Store
	Controller     *lifecycle.Controller
	Worktrees      *worktree.Manager
	Provider       hosting.Provider
	Runner         gitx.Runner
	Sweeper        *recycle.Sweeper
	Rebaser        *rebase.Worker
	OrchestratorID string
	Log            *slog.Logger
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = gitx.NewExecRunner()
	}
	id := opts.OrchestratorID
	if id == "" {
		// PID alone collides when orchestrators on different hosts
		// share a store.
		id = fmt.Sprintf("orch-%d-%s", os.Getpid(), uuid.NewString()[:8])
	}

	s := &Scheduler{
		cfg:            opts.Config,
		paths:          opts.Config.StateDir(),
		store:          opts.Store,
		ctl:            opts.Controller,
		wt:             opts.Worktrees,
		provider:       opts.Provider,
		runner:         runner,
		prCache:        newPRCache(opts.Config, opts.Provider),
		log:            log,
		OrchestratorID: id,
		procs:          make(map[string][]*agentProc),
	}
	s.jobs = defaultJobs(s, opts.Sweeper, opts.Rebaser)
	return s
}

// Paused reports whether the system pause flag is set. The flag is a
// sentinel file created and removed out-of-band.
func (s *Scheduler) Paused() bool {
	_, err := os.Stat(s.paths.PauseFlag())
	return err == nil
}

// Pause creates the pause flag; Resume removes it.
func (s *Scheduler) Pause() error {
	if err := os.MkdirAll(s.paths.Root, 0755); err != nil {
		return err
	}
	return os.WriteFile(s.paths.PauseFlag(), nil, 0644)
}

func (s *Scheduler) Resume() error {
	err := os.Remove(s.paths.PauseFlag())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// tickState is the per-tick snapshot every decision works from.
type tickState struct {
	counts  map[task.Queue]int
	openPRs int
}

// Tick runs one scheduler pass. It is safe to call from a timer loop
// or one-shot from the CLI.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.Paused() {
		s.log.Info("system paused, skipping tick")
		return nil
	}

	counts, err := s.store.QueueCounts(ctx)
	if err != nil {
		return fmt.Errorf("queue counts: %w", err)
	}
	st := &tickState{counts: counts, openPRs: s.prCache.count(ctx, s.log)}

	s.reapFinished(ctx)
	s.reclaimZombies(ctx)

	var g errgroup.Group
	for index, name := range s.cfg.AgentNames() {
		blueprint := s.cfg.Agents[name]
		index, name := index, name
		g.Go(func() error {
			if err := s.superviseAgent(ctx, name, blueprint, index, st); err != nil {
				s.log.Error("agent supervision", "agent", name, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		s.driveMergeGate(ctx)
		return nil
	})
	_ = g.Wait()

	s.jobs.run(ctx, s, st)
	return nil
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Timing.TickInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		s.log.Error("tick", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("tick", "error", err)
			}
		}
	}
}

// shutdown propagates the interrupt to child agents. In-flight claims
// stay claimed until lease expiry, at which point they are reclaimed.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, procs := range s.procs {
		for _, proc := range procs {
			if proc.finished() {
				continue
			}
			proc.interrupt()
			s.log.Info("signalled agent", "agent", name, "pid", proc.pid)
		}
	}
}

// ZombieClaims returns how many expired leases this instance released.
func (s *Scheduler) ZombieClaims() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zombieClaims
}

// driveMergeGate runs pending before_merge orchestrator hooks for
// every provisional task and accepts on all-pass. A failed hook leaves
// the task in provisional for a human.
func (s *Scheduler) driveMergeGate(ctx context.Context) {
	tasks, err := s.store.List(ctx, store.ListFilter{Queue: task.QueueProvisional})
	if err != nil {
		s.log.Error("list provisional tasks", "error", err)
		return
	}

	for _, t := range tasks {
		if len(t.PendingHooks(task.PointBeforeMerge, task.HookTypeOrchestrator)) == 0 {
			if allMergeHooksPassed(t) {
				if _, err := s.ctl.Accept(ctx, t.ID, "scheduler", t.Version); err != nil {
					s.log.Error("accept after merge hooks", "task", t.ID, "error", err)
				}
			}
			continue
		}

		branch := worktree.BranchFor(t)
		hc := &hook.Context{
			Task:       t,
			Branch:     branch,
			BaseBranch: s.cfg.BaseBranch,
			Git:        gitx.New(s.wt.TaskWorktreePath(t.ID), s.runner),
			Runner:     s.runner,
			Provider:   s.provider,
			Timing:     s.cfg.Timing,
			Log:        s.log,
		}
		failed := hook.RunPoint(ctx, hc, task.PointBeforeMerge, task.HookTypeOrchestrator)

		updated, err := s.store.Update(ctx, t)
		if err != nil {
			s.log.Error("persist merge hook statuses", "task", t.ID, "error", err)
			continue
		}
		if failed != nil {
			s.log.Warn("merge hook failed, leaving task for human attention",
				"task", t.ID, "message", failed.Message)
			continue
		}
		if _, err := s.ctl.Accept(ctx, updated.ID, "scheduler", updated.Version); err != nil {
			s.log.Error("accept after merge hooks", "task", t.ID, "error", err)
		}
	}
}

func allMergeHooksPassed(t *task.Task) bool {
	for _, h := range t.Hooks {
		if h.Point == task.PointBeforeMerge && h.Type == task.HookTypeOrchestrator && h.Status != task.HookPassed {
			return false
		}
	}
	return true
}
