// Package worktree provisions and retires the git worktrees agents
// work in. Agent worktrees are persistent and detached at the base
// branch; task worktrees are per-task, branch-named, and preserved in
// detached state after cleanup for post-mortems.
package worktree

import (
	"context"
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
	"github.com/randalmurphal/drover/internal/task"
)

// RoleOrchestratorImpl marks tasks that modify the orchestrator's own
// tooling; their branches use the orch/ prefix.
const RoleOrchestratorImpl = "orchestrator_impl"

// Manager creates, reuses, and cleans up worktrees under the state dir.
type Manager struct {
	git        *gitx.Git
	paths      config.Paths
	baseBranch string
	log        *slog.Logger

	// worktree add/remove against one repo must serialize: git locks
	// the worktree metadata and concurrent prunes interfere.
	mu sync.Mutex
}

// NewManager returns a manager for the repository at repoDir.
func NewManager(repoDir string, paths config.Paths, baseBranch string, runner gitx.Runner, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		git:        gitx.New(repoDir, runner),
		paths:      paths,
		baseBranch: baseBranch,
		log:        log,
	}
}

// BranchFor returns the branch a task's worktree checks out. The
// task's own branch field wins; otherwise the role and breakdown
// lineage pick the prefix.
func BranchFor(t *task.Task) string {
	if t.Branch != "" {
		return t.Branch
	}
	if t.Role == RoleOrchestratorImpl {
		return "orch/" + t.ID
	}
	if t.BreakdownID != "" {
		return "breakdown/" + t.BreakdownID
	}
	return "agent/" + t.ID
}

// ScratchBranch names a proposer's scratch branch. Unlike task
// branches it is timestamped: scratch work is never resumed.
func ScratchBranch(agentName string, now time.Time) string {
	return fmt.Sprintf("tooling/%s-%s", agentName, now.Format("20060102-150405"))
}

// TaskWorktreePath returns where a task's worktree lives.
func (m *Manager) TaskWorktreePath(taskID string) string {
	return m.paths.TaskWorktree(taskID)
}

// AgentWorktreePath returns where an agent's persistent worktree lives.
func (m *Manager) AgentWorktreePath(agentName string) string {
	return m.paths.AgentWorktree(agentName)
}

// EnsureAgentWorktree creates or refreshes an agent's persistent
// worktree: detached HEAD at origin/<base>, re-fetched on every reuse.
func (m *Manager) EnsureAgentWorktree(ctx context.Context, agentName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.AgentWorktreePath(agentName)
	base := "origin/" + m.baseBranch

	if err := m.git.Fetch(ctx, "origin"); err != nil {
		return "", errors.ErrWorktree(agentName, "fetch before agent worktree refresh", err)
	}

	if dirExists(path) {
		if err := m.git.In(path).DetachHead(ctx, base); err != nil {
			return "", errors.ErrWorktree(agentName, "re-detach agent worktree at "+base, err)
		}
		m.checkSubmoduleIsolation(path, agentName)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create agent dir: %w", err)
	}
	if err := m.addWithPruneRetry(ctx, path, "", base); err != nil {
		return "", errors.ErrWorktree(agentName, "create agent worktree", err)
	}
	m.checkSubmoduleIsolation(path, agentName)
	return path, nil
}

// EnsureTaskWorktree creates or reuses a task's worktree on its
// branch. A reused worktree whose HEAD no longer contains
// origin/<branch> is removed and recreated; a missing origin ref
// counts as a match.
func (m *Manager) EnsureTaskWorktree(ctx context.Context, t *task.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.TaskWorktreePath(t.ID)
	branch := BranchFor(t)

	if err := m.git.Fetch(ctx, "origin"); err != nil {
		return "", errors.ErrWorktree(t.ID, "fetch before task worktree", err)
	}

	if dirExists(path) {
		ok, err := m.branchMatches(ctx, path, branch)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
		m.log.Warn("task worktree diverged from origin, recreating",
			"task", t.ID, "branch", branch, "path", path)
		if err := m.removeLocked(ctx, path); err != nil {
			return "", errors.ErrWorktree(t.ID, "remove diverged worktree", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}

	// New branch from origin/<base>, or re-attach an existing branch
	// (deterministic names make resume a plain re-checkout).
	var err error
	if m.git.RefExists(ctx, branch) || m.git.RefExists(ctx, "origin/"+branch) {
		if !m.git.RefExists(ctx, branch) {
			// Local branch tracking the remote one.
			if _, err := m.git.Git(ctx, "branch", branch, "origin/"+branch); err != nil {
				return "", errors.ErrWorktree(t.ID, "create local branch from origin", err)
			}
		}
		err = m.addExistingWithPruneRetry(ctx, path, branch)
	} else {
		err = m.addWithPruneRetry(ctx, path, branch, "origin/"+m.baseBranch)
	}
	if err != nil {
		return "", errors.ErrWorktree(t.ID, "create task worktree", err)
	}
	return path, nil
}

// branchMatches checks the reuse invariant: origin/<branch> must be an
// ancestor of the worktree's HEAD. A missing origin ref matches.
func (m *Manager) branchMatches(ctx context.Context, path, branch string) (bool, error) {
	ref := "origin/" + branch
	if !m.git.RefExists(ctx, ref) {
		return true, nil
	}
	ok, err := m.git.In(path).IsAncestor(ctx, ref, "HEAD")
	if err != nil {
		return false, fmt.Errorf("ancestor check for %s: %w", ref, err)
	}
	return ok, nil
}

// Cleanup detaches the task worktree's HEAD, preserving the directory.
// With pushCommits and a named branch checked out, the branch is
// pushed first so the commits survive on origin. Never force-pushes.
func (m *Manager) Cleanup(ctx context.Context, taskID string, pushCommits bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.TaskWorktreePath(taskID)
	if !dirExists(path) {
		return nil
	}

	wt := m.git.In(path)
	branch, err := wt.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("read worktree branch: %w", err)
	}

	if pushCommits && branch != "" {
		if err := wt.Push(ctx, "origin", branch); err != nil {
			m.log.Warn("push before cleanup failed, commits remain local",
				"task", taskID, "branch", branch, "error", err)
		}
	}

	if branch != "" {
		if err := wt.DetachHead(ctx, ""); err != nil {
			return fmt.Errorf("detach worktree HEAD: %w", err)
		}
	}
	return nil
}

// Remove deletes a task worktree entirely.
func (m *Manager) Remove(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(ctx, m.TaskWorktreePath(taskID))
}

func (m *Manager) removeLocked(ctx context.Context, path string) error {
	if err := m.git.WorktreeRemove(ctx, path); err != nil {
		// Registration may already be gone; drop the directory.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	m.git.WorktreePrune(ctx)
	return nil
}

// Prune drops stale worktree registrations.
func (m *Manager) Prune(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.git.WorktreePrune(ctx)
}

// addWithPruneRetry creates a worktree, pruning stale registrations
// and retrying once when the first attempt fails. Stale entries appear
// whenever a worktree directory was deleted behind git's back.
func (m *Manager) addWithPruneRetry(ctx context.Context, path, branch, startPoint string) error {
	if err := m.git.WorktreeAdd(ctx, path, branch, startPoint); err == nil {
		return nil
	}
	m.git.WorktreePrune(ctx)
	return m.git.WorktreeAdd(ctx, path, branch, startPoint)
}

func (m *Manager) addExistingWithPruneRetry(ctx context.Context, path, branch string) error {
	if err := m.git.WorktreeAddExisting(ctx, path, branch); err == nil {
		return nil
	}
	m.git.WorktreePrune(ctx)
	return m.git.WorktreeAddExisting(ctx, path, branch)
}

// checkSubmoduleIsolation warns when a nested repository inside the
// worktree points its gitdir at the parent checkout's object store,
// which would cross-contaminate commits.
func (m *Manager) checkSubmoduleIsolation(worktreePath, owner string) {
	parentGit := filepath.Join(m.git.Dir(), ".git")

	_ = filepath.WalkDir(worktreePath, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == worktreePath {
			return nil
		}
		gitFile := filepath.Join(p, ".git")
		data, err := os.ReadFile(gitFile)
		if err != nil {
			return nil
		}
		target := strings.TrimSpace(strings.TrimPrefix(string(data), "gitdir:"))
		if strings.HasPrefix(target, parentGit) {
			m.log.Warn("nested repository shares the parent object store",
				"owner", owner, "nested", p, "gitdir", target)
		}
		return filepath.SkipDir
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
