// Package hook resolves and executes lifecycle hooks. The hook set is
// sealed: tasks reference builtins by name, and unknown names are
// dropped at resolution time with a warning.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/hosting"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
)

// Builtin hook names.
const (
	RebaseOnMain = "rebase_on_main"
	RunTests     = "run_tests"
	CreatePR     = "create_pr"
	MergePR      = "merge_pr"
)

// Status is the outcome of one hook execution.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusSkip    Status = "SKIP"
)

// Result is what a hook reports back. RemediationPrompt is non-empty
// on failures the agent can act on (conflicts, failing tests).
type Result struct {
	Status            Status
	Message           string
	Context           map[string]string
	RemediationPrompt string
}

// Context carries everything a builtin may need. Git points at the
// task worktree; Provider may be nil when no host is configured.
type Context struct {
	Task       *task.Task
	Branch     string
	BaseBranch string
	Git        *gitx.Git
	Runner     gitx.Runner
	Provider   hosting.Provider
	Timing     config.Timing
	Log        *slog.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Func is the single dispatch shape every builtin implements.
type Func func(ctx context.Context, hc *Context) Result

var builtins = map[string]Func{
	RebaseOnMain: rebaseOnMain,
	RunTests:     runTests,
	CreatePR:     createPR,
	MergePR:      mergePR,
}

// Known reports whether name is a builtin hook.
func Known(name string) bool {
	_, ok := builtins[name]
	return ok
}

// TypeFor returns which side executes the named hook. merge_pr is the
// only control-plane hook; everything else runs in the agent.
func TypeFor(name string) task.HookType {
	if name == MergePR {
		return task.HookTypeOrchestrator
	}
	return task.HookTypeAgent
}

// Resolve builds a task's hook list at creation time. Per-type config
// wins over project-level config, which wins over the builtin default
// (create_pr before submit, merge_pr before merge). Resolution is per
// point, and unknown names are skipped with a warning.
func Resolve(cfg *config.Config, taskType string, log *slog.Logger) []task.Hook {
	if log == nil {
		log = slog.Default()
	}

	defaults := map[task.HookPoint][]string{
		task.PointBeforeSubmit: {CreatePR},
		task.PointBeforeMerge:  {MergePR},
	}

	var hooks []task.Hook
	for _, point := range []task.HookPoint{task.PointBeforeSubmit, task.PointBeforeMerge} {
		names := defaults[point]
		if project, ok := cfg.Hooks[string(point)]; ok {
			names = project
		}
		if taskType != "" {
			if tt, ok := cfg.TaskTypes[taskType]; ok {
				if typed, ok := tt.Hooks[string(point)]; ok {
					names = typed
				}
			}
		}
		for _, name := range names {
			if !Known(name) {
				log.Warn("skipping unknown hook", "hook", name, "point", string(point))
				continue
			}
			hooks = append(hooks, task.Hook{
				Name:   name,
				Point:  point,
				Type:   TypeFor(name),
				Status: task.HookPending,
			})
		}
	}
	return hooks
}

// RunPoint executes the pending hooks at point/typ in order, fail-fast.
// SUCCESS and SKIP mark the hook passed and continue; FAILURE marks it
// failed and returns the result without running the rest. A nil return
// means every hook at the point passed or was skipped. Statuses are
// mutated on hc.Task; persisting them is the caller's job.
func RunPoint(ctx context.Context, hc *Context, point task.HookPoint, typ task.HookType) *Result {
	for _, h := range hc.Task.PendingHooks(point, typ) {
		fn, ok := builtins[h.Name]
		if !ok {
			// Unknown names should have been dropped at Resolve time.
			hc.logger().Warn("unknown hook on task, marking passed", "task", hc.Task.ID, "hook", h.Name)
			hc.Task.SetHookStatus(h.Name, task.HookPassed, "unknown hook skipped")
			continue
		}

		result := fn(ctx, hc)
		switch result.Status {
		case StatusFailure:
			hc.Task.SetHookStatus(h.Name, task.HookFailed, result.Message)
			hc.logger().Warn("hook failed", "task", hc.Task.ID, "hook", h.Name, "message", result.Message)
			return &result
		default:
			hc.Task.SetHookStatus(h.Name, task.HookPassed, result.Message)
			hc.logger().Debug("hook passed", "task", hc.Task.ID, "hook", h.Name, "status", string(result.Status))
		}
	}
	return nil
}

// RecordEvidence updates one hook's status on a stored task. This is
// the narrow endpoint agents report through.
func RecordEvidence(ctx context.Context, st store.Store, taskID, hookName string, status task.HookStatus, evidence string) error {
	t, err := st.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !t.SetHookStatus(hookName, status, evidence) {
		return fmt.Errorf("task %s has no hook %q", taskID, hookName)
	}
	_, err = st.Update(ctx, t)
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
