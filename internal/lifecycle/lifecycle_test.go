package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/inbox"
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
	ctl     *Controller
	store   store.Store
	journal *tasklog.Log
	threads *thread.Log
	inbox   *inbox.Inbox
	paths   config.Paths
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
	wt := worktree.NewManager(dir, paths, cfg.BaseBranch, nopRunner{}, logger)

	return &fixture{
		ctl:     New(cfg, st, journal, threads, in, wt, logger),
		store:   st,
		journal: journal,
		threads: threads,
		inbox:   in,
		paths:   paths,
		dir:     dir,
	}
}

func (f *fixture) mustClaim(t *testing.T, agent string) *task.Task {
	t.Helper()
	claimed, err := f.ctl.Claim(context.Background(), store.ClaimRequest{
		OrchestratorID: "orch-1",
		AgentName:      agent,
		MaxClaimed:     4,
		LeaseDuration:  30 * time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed.Task
}

func (f *fixture) events(t *testing.T, taskID string) []string {
	t.Helper()
	recs, err := f.journal.Events(taskID)
	require.NoError(t, err)
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Event
	}
	return names
}

func TestCreateWritesBriefAndHooks(t *testing.T) {
	f := newFixture(t)

	created, err := f.ctl.Create(context.Background(), CreateRequest{
		Title:     "Add widget parser",
		Role:      "implement",
		CreatedBy: "human",
		Body:      "## Context\nParse widgets.\n",
		BlockedBy: "None",
	})
	require.NoError(t, err)

	assert.Equal(t, task.QueueIncoming, created.Queue)
	assert.Empty(t, created.BlockedBy, "literal None must normalize away")
	require.Len(t, created.Hooks, 2)
	assert.Equal(t, "create_pr", created.Hooks[0].Name)
	assert.Equal(t, "merge_pr", created.Hooks[1].Name)

	data, err := os.ReadFile(created.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[TASK-"+created.ID+"]")
	assert.Contains(t, string(data), "Parse widgets.")

	assert.Equal(t, []string{tasklog.EventCreated}, f.events(t, created.ID))
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.ctl.Create(context.Background(), CreateRequest{Role: "implement"})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))

	_, err = f.ctl.Create(context.Background(), CreateRequest{Title: "x"})
	assert.True(t, errors.IsCode(err, errors.CodeInvalidArgument))
}

func TestClaimLogsAndLoadsBrief(t *testing.T) {
	f := newFixture(t)
	created, err := f.ctl.Create(context.Background(), CreateRequest{
		Title: "Add widget parser", Role: "implement", Body: "## Context\nDetails here.\n",
	})
	require.NoError(t, err)

	claimed, err := f.ctl.Claim(context.Background(), store.ClaimRequest{
		OrchestratorID: "orch-1",
		AgentName:      "impl-1",
		MaxClaimed:     4,
		LeaseDuration:  30 * time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, created.ID, claimed.Task.ID)
	assert.Contains(t, claimed.BriefContent, "Details here.")
	assert.Equal(t, []string{tasklog.EventCreated, tasklog.EventClaimed}, f.events(t, created.ID))

	count, err := f.journal.ClaimCount(created.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.Task.AttemptCount, count, "attempt_count must equal CLAIMED events")
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	f := newFixture(t)
	claimed, err := f.ctl.Claim(context.Background(), store.ClaimRequest{
		OrchestratorID: "orch-1", AgentName: "impl-1", MaxClaimed: 4, LeaseDuration: time.Minute,
	})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestSubmitZeroCommitsAutoRejects(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)
	claimed := f.mustClaim(t, "impl-1")

	updated, err := f.ctl.Submit(context.Background(), store.SubmitRequest{
		TaskID: claimed.ID, CommitsCount: 0, TurnsUsed: 12, Version: claimed.Version,
	})
	require.NoError(t, err)

	assert.Equal(t, task.QueueIncoming, updated.Queue)
	assert.Equal(t, 1, updated.RejectionCount)

	msg, err := f.threads.LatestRejection(claimed.ID)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "No commits made.", msg.Content)

	names := f.events(t, claimed.ID)
	assert.Contains(t, names, tasklog.EventRejected)
	assert.NotContains(t, names, tasklog.EventSubmitted)
}

func TestSubmitWithCommits(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)
	claimed := f.mustClaim(t, "impl-1")

	// The default before_submit hook has not passed yet.
	_, err = f.ctl.Submit(context.Background(), store.SubmitRequest{
		TaskID: claimed.ID, CommitsCount: 3, TurnsUsed: 20, Version: claimed.Version,
	})
	assert.True(t, errors.IsCode(err, errors.CodePreconditionFailed))

	claimed.SetHookStatus("create_pr", task.HookPassed, "PR #7")
	claimed, err = f.store.Update(context.Background(), claimed)
	require.NoError(t, err)

	updated, err := f.ctl.Submit(context.Background(), store.SubmitRequest{
		TaskID: claimed.ID, CommitsCount: 3, TurnsUsed: 20, Version: claimed.Version,
	})
	require.NoError(t, err)
	assert.Equal(t, task.QueueProvisional, updated.Queue)
	assert.Contains(t, f.events(t, claimed.ID), tasklog.EventSubmitted)
}

func submitTask(t *testing.T, f *fixture, claimed *task.Task, commits int) *task.Task {
	t.Helper()
	claimed.SetHookStatus("create_pr", task.HookPassed, "PR #7")
	claimed, err := f.store.Update(context.Background(), claimed)
	require.NoError(t, err)
	updated, err := f.ctl.Submit(context.Background(), store.SubmitRequest{
		TaskID: claimed.ID, CommitsCount: commits, TurnsUsed: 10, Version: claimed.Version,
	})
	require.NoError(t, err)
	return updated
}

func TestAcceptCleansUp(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)
	claimed := f.mustClaim(t, "impl-1")
	submitted := submitTask(t, f, claimed, 2)

	require.NoError(t, f.threads.Append(claimed.ID, "human", thread.RoleNote, "context"))

	// The merge hook must pass before accept.
	submitted.SetHookStatus("merge_pr", task.HookPassed, "merged")
	submitted.PRNumber = 7
	submitted, err = f.store.Update(context.Background(), submitted)
	require.NoError(t, err)

	accepted, err := f.ctl.Accept(context.Background(), submitted.ID, "orch-1", submitted.Version)
	require.NoError(t, err)
	assert.Equal(t, task.QueueDone, accepted.Queue)

	msgs, err := f.threads.Messages(claimed.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "thread deleted on accept")

	recs, err := f.journal.Events(claimed.ID, tasklog.EventAccepted)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "orch-1", recs[0].Fields["accepted_by"])
	assert.Equal(t, "7", recs[0].Fields["pr"])
}

func TestRejectEscalatesAtCap(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)

	var last *task.Task
	for i := 0; i < 3; i++ {
		claimed := f.mustClaim(t, "impl-1")
		submitted := submitTask(t, f, claimed, 1)
		last, err = f.ctl.Reject(context.Background(), submitted.ID, "missing test", "gatekeeper-1", submitted.Version)
		require.NoError(t, err)
	}

	assert.Equal(t, task.QueueEscalated, last.Queue)
	assert.Equal(t, 3, last.RejectionCount)

	names := f.events(t, last.ID)
	assert.Contains(t, names, tasklog.EventEscalated)
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, tasklog.EventRejected+","+tasklog.EventRequeued)

	inboxMsgs, err := f.inbox.List()
	require.NoError(t, err)
	require.Len(t, inboxMsgs, 1)

	msgs, err := f.threads.Messages(last.ID, thread.RoleRejection)
	require.NoError(t, err)
	assert.Len(t, msgs, 3, "every rejection lands in the thread")
}

func TestRecycleCreatesBreakdownChild(t *testing.T) {
	f := newFixture(t)
	parent, err := f.ctl.Create(context.Background(), CreateRequest{Title: "big task", Role: "implement"})
	require.NoError(t, err)

	child, err := f.ctl.Recycle(context.Background(), parent, "0 commits after 60 turns")
	require.NoError(t, err)

	assert.Equal(t, task.QueueBreakdown, child.Queue)
	assert.Equal(t, "breakdown", child.Role)
	assert.Equal(t, parent.ID, child.BreakdownID)
	assert.Equal(t, parent.BreakdownDepth+1, child.BreakdownDepth)

	got, err := f.store.Get(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueRecycled, got.Queue)

	assert.Contains(t, f.events(t, parent.ID), tasklog.EventRecycled)
}

func TestFailPostsInboxMessage(t *testing.T) {
	f := newFixture(t)
	created, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)

	failed, err := f.ctl.Fail(context.Background(), created, "agent exited 1 with no partial work")
	require.NoError(t, err)
	assert.Equal(t, task.QueueFailed, failed.Queue)

	inboxMsgs, err := f.inbox.List()
	require.NoError(t, err)
	require.Len(t, inboxMsgs, 1)
	data, err := os.ReadFile(inboxMsgs[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "TASK-"+created.ID+".log")
}

func TestMarkNeedsContinuationPreservesAgent(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement", Branch: "feature/x"})
	require.NoError(t, err)
	claimed := f.mustClaim(t, "impl-1")

	updated, err := f.ctl.MarkNeedsContinuation(context.Background(), claimed, "budget exhausted mid-change")
	require.NoError(t, err)

	assert.Equal(t, task.QueueNeedsContinuation, updated.Queue)
	assert.Equal(t, "impl-1", updated.LastAgent)
	assert.Equal(t, "feature/x", updated.Branch)
	assert.Empty(t, updated.ClaimedBy)
}

func TestReleaseZombieKeepsRejectionCount(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctl.Create(context.Background(), CreateRequest{Title: "t", Role: "implement"})
	require.NoError(t, err)
	claimed := f.mustClaim(t, "impl-1")
	claimed.RejectionCount = 2

	released, err := f.ctl.ReleaseZombie(context.Background(), claimed)
	require.NoError(t, err)

	assert.Equal(t, task.QueueIncoming, released.Queue)
	assert.Equal(t, 2, released.RejectionCount)
	assert.Empty(t, released.ClaimedBy)
	assert.Nil(t, released.LeaseExpiresAt)
}
