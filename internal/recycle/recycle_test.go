package recycle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/store/dbstore"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/tasklog"
	"github.com/randalmurphal/drover/internal/thread"
	"github.com/randalmurphal/drover/internal/worktree"
)

type nopRunner struct{}

func (nopRunner) Run(_ context.Context, _, _ string, _ ...string) (string, error) {
	return "", nil
}

type fixture struct {
	sweeper *Sweeper
	store   store.Store
	inbox   *inbox.Inbox
	journal *tasklog.Log
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
	wt := worktree.NewManager(dir, paths, cfg.BaseBranch, nopRunner{}, logger)
	ctl := lifecycle.New(cfg, st, journal, threads, in, wt, logger)

	return &fixture{
		sweeper: New(cfg, st, ctl, journal, in, logger),
		store:   st,
		inbox:   in,
		journal: journal,
	}
}

func (f *fixture) provisional(t *testing.T, commits, turns, depth int) *task.Task {
	t.Helper()
	tk := task.New(task.NewID(), "big task", "implement")
	tk.Queue = task.QueueProvisional
	tk.CommitsCount = commits
	tk.TurnsUsed = turns
	tk.BreakdownDepth = depth
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func TestBurnedOutPredicate(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		commits, turns int
		want           bool
	}{
		{0, 60, true},
		{0, 120, true},
		{0, 59, false},
		{1, 200, false},
	}
	for _, c := range cases {
		tk := &task.Task{CommitsCount: c.commits, TurnsUsed: c.turns}
		if got := f.sweeper.BurnedOut(tk); got != c.want {
			t.Errorf("BurnedOut(commits=%d, turns=%d) = %v, want %v", c.commits, c.turns, got, c.want)
		}
	}
}

func TestSweepRecyclesBurnout(t *testing.T) {
	f := newFixture(t)
	burned := f.provisional(t, 0, 75, 1)
	healthy := f.provisional(t, 3, 75, 0)

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.store.Get(context.Background(), burned.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueRecycled, got.Queue)

	children, err := f.store.List(context.Background(), store.ListFilter{Queue: task.QueueBreakdown})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, burned.ID, children[0].BreakdownID)
	assert.Equal(t, 2, children[0].BreakdownDepth)
	assert.Equal(t, "breakdown", children[0].Role)

	untouched, err := f.store.Get(context.Background(), healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueProvisional, untouched.Queue)
}

func TestSweepAcceptsAtDepthCap(t *testing.T) {
	f := newFixture(t)
	burned := f.provisional(t, 0, 90, 3)

	require.NoError(t, f.sweeper.Sweep(context.Background()))

	got, err := f.store.Get(context.Background(), burned.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueDone, got.Queue)
	assert.Contains(t, got.Metadata["acceptance_note"], "depth cap reached")

	children, err := f.store.List(context.Background(), store.ListFilter{Queue: task.QueueBreakdown})
	require.NoError(t, err)
	assert.Empty(t, children, "no breakdown task at the cap")

	msgs, err := f.inbox.List()
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	recs, err := f.journal.Events(burned.ID, tasklog.EventAccepted)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReconcileBlockersClearsAccepted(t *testing.T) {
	f := newFixture(t)

	blockerDone := task.New(task.NewID(), "done blocker", "implement")
	blockerDone.Queue = task.QueueDone
	_, err := f.store.Create(context.Background(), blockerDone)
	require.NoError(t, err)

	blockerOpen := task.New(task.NewID(), "open blocker", "implement")
	_, err = f.store.Create(context.Background(), blockerOpen)
	require.NoError(t, err)

	blocked := task.New(task.NewID(), "blocked", "implement")
	blocked.BlockedBy = blockerDone.ID + "," + blockerOpen.ID
	_, err = f.store.Create(context.Background(), blocked)
	require.NoError(t, err)

	require.NoError(t, f.sweeper.ReconcileBlockers(context.Background()))

	got, err := f.store.Get(context.Background(), blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, blockerOpen.ID, got.BlockedBy, "only the open blocker remains")
}

func TestReconcileBlockersFullyUnblocks(t *testing.T) {
	f := newFixture(t)

	blocker := task.New(task.NewID(), "blocker", "implement")
	blocker.Queue = task.QueueCancelled
	_, err := f.store.Create(context.Background(), blocker)
	require.NoError(t, err)

	blocked := task.New(task.NewID(), "blocked", "implement")
	blocked.BlockedBy = blocker.ID
	_, err = f.store.Create(context.Background(), blocked)
	require.NoError(t, err)

	require.NoError(t, f.sweeper.ReconcileBlockers(context.Background()))

	got, err := f.store.Get(context.Background(), blocked.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)

	// Now claimable.
	claimed, err := f.store.Claim(context.Background(), store.ClaimRequest{
		OrchestratorID: "orch-1", AgentName: "impl-1", MaxClaimed: 4, LeaseDuration: time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, blocked.ID, claimed.ID)
}
