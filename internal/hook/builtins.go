package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/hosting"
)

const remediationTail = 3000

// rebaseOnMain fetches the base branch and rebases the worktree onto
// it. Already up to date is a SKIP. A conflict aborts the rebase and
// fails with a remediation prompt naming the conflicted files.
func rebaseOnMain(ctx context.Context, hc *Context) Result {
	fetchCtx, cancel := withTimeout(ctx, hc.Timing.GitFetchTimeout)
	defer cancel()
	if err := hc.Git.Fetch(fetchCtx, "origin"); err != nil {
		return Result{Status: StatusFailure, Message: fmt.Sprintf("fetch origin: %v", err)}
	}

	upstream := "origin/" + hc.BaseBranch
	behind, err := hc.Git.CommitsBehind(ctx, "HEAD", upstream)
	if err != nil {
		return Result{Status: StatusFailure, Message: fmt.Sprintf("compare with %s: %v", upstream, err)}
	}
	if behind == 0 {
		return Result{Status: StatusSkip, Message: "already up to date with " + upstream}
	}

	rebaseCtx, cancel := withTimeout(ctx, hc.Timing.RebaseTimeout)
	defer cancel()
	if err := hc.Git.Rebase(rebaseCtx, upstream); err != nil {
		conflicted := hc.Git.ConflictedFiles(ctx)
		hc.Git.AbortRebase(ctx)
		return Result{
			Status:  StatusFailure,
			Message: fmt.Sprintf("rebase onto %s conflicted", upstream),
			Context: map[string]string{"conflicted_files": strings.Join(conflicted, ",")},
			RemediationPrompt: fmt.Sprintf(
				"Rebasing your branch onto %s produced conflicts in: %s. "+
					"Run `git fetch origin && git rebase %s`, resolve each conflict, "+
					"`git add` the files, and `git rebase --continue`.",
				upstream, strings.Join(conflicted, ", "), upstream),
		}
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("rebased onto %s (%d commits behind)", upstream, behind)}
}

// runTests auto-detects the project's test runner and runs it. No
// recognizable project file is a SKIP.
func runTests(ctx context.Context, hc *Context) Result {
	name, args := DetectTestCommand(hc.Git.Dir())
	if name == "" {
		return Result{Status: StatusSkip, Message: "no test runner detected"}
	}

	testCtx, cancel := withTimeout(ctx, hc.Timing.TestTimeout)
	defer cancel()
	out, err := hc.Runner.Run(testCtx, hc.Git.Dir(), name, args...)
	if err != nil {
		output := out
		var cmdErr *gitx.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Output != "" {
			output = cmdErr.Output
		}
		return Result{
			Status:  StatusFailure,
			Message: fmt.Sprintf("%s %s failed", name, strings.Join(args, " ")),
			RemediationPrompt: fmt.Sprintf(
				"The test suite failed. Fix the failures before submitting. Output:\n%s",
				tail(output, remediationTail)),
		}
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("%s %s passed", name, strings.Join(args, " "))}
}

// DetectTestCommand picks the project's test runner by checking
// project files in a fixed order. Empty name means none detected.
func DetectTestCommand(dir string) (string, []string) {
	exists := func(file string) bool {
		_, err := os.Stat(filepath.Join(dir, file))
		return err == nil
	}
	switch {
	case exists("pyproject.toml"), exists("pytest.ini"):
		return "pytest", nil
	case exists("package.json"):
		return "npm", []string{"test"}
	case exists("Makefile"):
		return "make", []string{"test"}
	}
	return "", nil
}

// createPR pushes the branch and opens a PR, reusing an existing open
// PR for the branch when one exists. The PR number and URL land on the
// task and in the result context.
func createPR(ctx context.Context, hc *Context) Result {
	if hc.Provider == nil {
		return Result{Status: StatusSkip, Message: "no hosting provider configured"}
	}

	if err := hc.Git.Push(ctx, "origin", hc.Branch); err != nil {
		return Result{Status: StatusFailure, Message: fmt.Sprintf("push %s: %v", hc.Branch, err)}
	}

	pr, err := hc.Provider.FindPRByBranch(ctx, hc.Branch)
	if err != nil {
		return Result{Status: StatusFailure, Message: fmt.Sprintf("look up PR for %s: %v", hc.Branch, err)}
	}
	if pr == nil {
		pr, err = hc.Provider.CreatePR(ctx, hosting.PRCreateOptions{
			Title: hc.Task.Title,
			Body:  fmt.Sprintf("Automated change for TASK-%s.", hc.Task.ID),
			Head:  hc.Branch,
			Base:  hc.BaseBranch,
		})
		if err != nil {
			return Result{Status: StatusFailure, Message: fmt.Sprintf("create PR: %v", err)}
		}
	}

	hc.Task.PRNumber = pr.Number
	hc.Task.PRURL = pr.HTMLURL
	return Result{
		Status:  StatusSuccess,
		Message: fmt.Sprintf("PR #%d: %s", pr.Number, pr.HTMLURL),
		Context: map[string]string{
			"pr_number": fmt.Sprintf("%d", pr.Number),
			"pr_url":    pr.HTMLURL,
		},
	}
}

// mergePR merges the task's PR with its merge method. A task with no
// PR passes trivially; host refusal is a failure left for a human.
func mergePR(ctx context.Context, hc *Context) Result {
	if hc.Task.PRNumber == 0 {
		return Result{Status: StatusSkip, Message: "task has no PR"}
	}
	if hc.Provider == nil {
		return Result{Status: StatusFailure, Message: "task has a PR but no hosting provider is configured"}
	}

	mergeCtx, cancel := withTimeout(ctx, hc.Timing.MergeTimeout)
	defer cancel()
	err := hc.Provider.MergePR(mergeCtx, hc.Task.PRNumber, hosting.PRMergeOptions{
		Method:      string(hc.Task.MergeMethod),
		CommitTitle: hc.Task.Title,
	})
	if err != nil {
		return Result{Status: StatusFailure, Message: fmt.Sprintf("merge PR #%d: %v", hc.Task.PRNumber, err)}
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("merged PR #%d", hc.Task.PRNumber)}
}

// tail returns at most n trailing characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
