package rebase

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/store/dbstore"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/tasklog"
	"github.com/randalmurphal/drover/internal/thread"
	"github.com/randalmurphal/drover/internal/worktree"
)

// scriptRunner answers git commands from a canned table and records
// every invocation.
type scriptRunner struct {
	calls     []string
	responses map[string]string
	failures  map[string]error
}

func (r *scriptRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, key)
	if err, ok := r.failures[key]; ok {
		return "", err
	}
	return r.responses[key], nil
}

func (r *scriptRunner) ran(key string) bool {
	for _, c := range r.calls {
		if c == key {
			return true
		}
	}
	return false
}

type fixture struct {
	worker  *Worker
	store   store.Store
	threads *thread.Log
	runner  *scriptRunner
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfgDir := filepath.Join(dir, config.DroverDir)
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, config.ConfigFileName), []byte("scope: acme\n"), 0644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	st, err := dbstore.Open(dbstore.Options{
		DSN:   filepath.Join(t.TempDir(), "store.db"),
		Scope: "acme",
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	paths := cfg.StateDir()
	journal := tasklog.New(paths.TaskLogsDir())
	threads := thread.New(paths)
	in := inbox.New(paths)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := &scriptRunner{responses: map[string]string{}, failures: map[string]error{}}
	wt := worktree.NewManager(dir, paths, cfg.BaseBranch, runner, logger)
	ctl := lifecycle.New(cfg, st, journal, threads, in, wt, logger)

	return &fixture{
		worker:  New(cfg, st, ctl, threads, dir, runner, logger),
		store:   st,
		threads: threads,
		runner:  runner,
		dir:     dir,
	}
}

func (f *fixture) flaggedTask(t *testing.T, branch, taskRole string) *task.Task {
	t.Helper()
	tk := task.New(task.NewID(), "rebase me", taskRole)
	tk.Queue = task.QueueProvisional
	tk.Branch = branch
	tk.NeedsRebase = true
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func TestRunClearsFlagOnSuccess(t *testing.T) {
	f := newFixture(t)
	tk := f.flaggedTask(t, "agent/a1b2", "implement")

	require.NoError(t, f.worker.Run(context.Background()))

	if !f.runner.ran("git rebase origin/main") {
		t.Fatalf("calls = %v", f.runner.calls)
	}
	assert.True(t, f.runner.ran("git push --force-with-lease origin agent/a1b2"))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.False(t, got.NeedsRebase)
	assert.Equal(t, task.QueueProvisional, got.Queue)
}

func TestRunConflictRejectsWithFiles(t *testing.T) {
	f := newFixture(t)
	tk := f.flaggedTask(t, "agent/a1b2", "implement")
	f.runner.failures["git rebase origin/main"] = &gitx.CommandError{Output: "CONFLICT (content)"}
	f.runner.responses["git diff --name-only --diff-filter=U"] = "pkg/a.go\npkg/b.go"

	require.NoError(t, f.worker.Run(context.Background()))

	assert.True(t, f.runner.ran("git rebase --abort"))
	assert.False(t, f.runner.ran("git push --force-with-lease origin agent/a1b2"))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueIncoming, got.Queue)
	assert.Equal(t, 1, got.RejectionCount)

	msg, err := f.threads.LatestRejection(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "pkg/a.go")
}

func TestRunTestFailureRejectsWithTail(t *testing.T) {
	f := newFixture(t)
	tk := f.flaggedTask(t, "agent/a1b2", "implement")

	// The rebaser worktree directory exists with a Makefile so the
	// test runner is detected.
	wtDir := f.worker.WorktreePath()
	require.NoError(t, os.MkdirAll(wtDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(wtDir, "Makefile"), []byte("test:\n\ttrue\n"), 0644))
	f.runner.failures["make test"] = &gitx.CommandError{Output: "--- FAIL: TestParser"}

	require.NoError(t, f.worker.Run(context.Background()))

	assert.False(t, f.runner.ran("git push --force-with-lease origin agent/a1b2"))

	msg, err := f.threads.LatestRejection(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "--- FAIL: TestParser")
}

func TestRunPushRefusalNotesAndKeepsTask(t *testing.T) {
	f := newFixture(t)
	tk := f.flaggedTask(t, "agent/a1b2", "implement")
	f.runner.failures["git push --force-with-lease origin agent/a1b2"] = &gitx.CommandError{Output: "stale info"}

	require.NoError(t, f.worker.Run(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueProvisional, got.Queue)
	assert.True(t, got.NeedsRebase, "flag stays set when the push is refused")

	msgs, err := f.threads.Messages(tk.ID, thread.RoleNote)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "push was refused")
}

func TestEligibility(t *testing.T) {
	f := newFixture(t)

	f.flaggedTask(t, "orch/x1", "orchestrator_impl")
	unflagged := task.New(task.NewID(), "fine", "implement")
	unflagged.Queue = task.QueueProvisional
	_, err := f.store.Create(context.Background(), unflagged)
	require.NoError(t, err)

	require.NoError(t, f.worker.Run(context.Background()))
	assert.False(t, f.runner.ran("git rebase origin/main"), "nothing eligible should be rebased")
}

func TestCooldownThrottles(t *testing.T) {
	f := newFixture(t)
	f.flaggedTask(t, "agent/a1b2", "implement")
	// Push refusal keeps the flag set, so only the cooldown prevents
	// an immediate second attempt.
	f.runner.failures["git push --force-with-lease origin agent/a1b2"] = &gitx.CommandError{Output: "stale info"}

	require.NoError(t, f.worker.Run(context.Background()))
	first := len(f.runner.calls)
	require.NoError(t, f.worker.Run(context.Background()))

	assert.Equal(t, first, len(f.runner.calls), "second run inside cooldown must be a no-op")
}
