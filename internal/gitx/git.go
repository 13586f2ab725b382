package gitx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Git runs git operations in a fixed repository or worktree directory.
type Git struct {
	dir string
	run Runner
}

// New returns a Git bound to dir using runner.
func New(dir string, runner Runner) *Git {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Git{dir: dir, run: runner}
}

// In returns a Git operating in another directory with the same runner.
func (g *Git) In(dir string) *Git {
	return &Git{dir: dir, run: g.run}
}

// Dir returns the working directory.
func (g *Git) Dir() string { return g.dir }

// Git runs a raw git command in the bound directory.
func (g *Git) Git(ctx context.Context, args ...string) (string, error) {
	return g.run.Run(ctx, g.dir, "git", args...)
}

// Fetch updates the remote's refs.
func (g *Git) Fetch(ctx context.Context, remote string) error {
	_, err := g.Git(ctx, "fetch", remote)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", remote, err)
	}
	return nil
}

// RefExists reports whether ref resolves to a commit.
func (g *Git) RefExists(ctx context.Context, ref string) bool {
	_, err := g.Git(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// HeadCommit returns the SHA of HEAD.
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	return g.Git(ctx, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch, or "" for detached HEAD.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.Git(ctx, "symbolic-ref", "--short", "-q", "HEAD")
	if err != nil {
		// symbolic-ref exits non-zero on detached HEAD.
		return "", nil
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *Git) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := g.Git(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	// merge-base exits 1 for a plain "no" (silent) and 128 with a
	// "fatal:" diagnostic on real errors.
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		var exitErr *exec.ExitError
		if errors.As(cmdErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		if !strings.Contains(cmdErr.Output, "fatal") {
			return false, nil
		}
	}
	return false, err
}

// CommitsBehind returns the number of commits in upstream not reachable
// from local, i.e. `rev-list --count local..upstream`.
func (g *Git) CommitsBehind(ctx context.Context, local, upstream string) (int, error) {
	out, err := g.Git(ctx, "rev-list", "--count", local+".."+upstream)
	if err != nil {
		return 0, fmt.Errorf("count commits %s..%s: %w", local, upstream, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// CommitCount counts commits on branch that are not on base.
func (g *Git) CommitCount(ctx context.Context, base, branch string) (int, error) {
	return g.CommitsBehind(ctx, base, branch)
}

// Push pushes branch to the remote. Never forces.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	_, err := g.Git(ctx, "push", remote, branch)
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", branch, remote, err)
	}
	return nil
}

// PushWithLease force-pushes with --force-with-lease, the only force
// variant the rebaser may use.
func (g *Git) PushWithLease(ctx context.Context, remote, branch string) error {
	_, err := g.Git(ctx, "push", "--force-with-lease", remote, branch)
	if err != nil {
		return fmt.Errorf("push with lease %s to %s: %w", branch, remote, err)
	}
	return nil
}

// DetachHead detaches HEAD at ref (HEAD itself when ref is empty).
func (g *Git) DetachHead(ctx context.Context, ref string) error {
	args := []string{"checkout", "--detach"}
	if ref != "" {
		args = append(args, ref)
	}
	if _, err := g.Git(ctx, args...); err != nil {
		return fmt.Errorf("detach HEAD: %w", err)
	}
	return nil
}

// Rebase rebases the current branch onto ref. On conflict the caller
// is responsible for AbortRebase.
func (g *Git) Rebase(ctx context.Context, ref string) error {
	_, err := g.Git(ctx, "rebase", ref)
	return err
}

// AbortRebase aborts an in-progress rebase.
func (g *Git) AbortRebase(ctx context.Context) {
	_, _ = g.Git(ctx, "rebase", "--abort")
}

// ConflictedFiles lists unmerged paths during a conflicted rebase/merge.
func (g *Git) ConflictedFiles(ctx context.Context) []string {
	out, err := g.Git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// WorktreeAdd registers a worktree at path. With branch non-empty a new
// branch is created at startPoint; otherwise HEAD detaches at startPoint.
func (g *Git) WorktreeAdd(ctx context.Context, path, branch, startPoint string) error {
	args := []string{"worktree", "add"}
	if branch != "" {
		args = append(args, "-b", branch)
	} else {
		args = append(args, "--detach")
	}
	args = append(args, path)
	if startPoint != "" {
		args = append(args, startPoint)
	}
	_, err := g.Git(ctx, args...)
	return err
}

// WorktreeAddExisting registers a worktree at path checked out to an
// existing branch.
func (g *Git) WorktreeAddExisting(ctx context.Context, path, branch string) error {
	_, err := g.Git(ctx, "worktree", "add", path, branch)
	return err
}

// WorktreeRemove force-removes a worktree registration and directory.
func (g *Git) WorktreeRemove(ctx context.Context, path string) error {
	_, err := g.Git(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops stale worktree registrations.
func (g *Git) WorktreePrune(ctx context.Context) {
	_, _ = g.Git(ctx, "worktree", "prune")
}

// StatusPorcelain returns the porcelain status output.
func (g *Git) StatusPorcelain(ctx context.Context) (string, error) {
	return g.Git(ctx, "status", "--porcelain")
}
