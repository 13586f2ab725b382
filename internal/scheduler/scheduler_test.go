package scheduler

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
	"github.com/randalmurphal/drover/internal/hook"
	"github.com/randalmurphal/drover/internal/hosting"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/rebase"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/store/dbstore"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/tasklog"
	"github.com/randalmurphal/drover/internal/thread"
	"github.com/randalmurphal/drover/internal/worktree"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, string, string, ...string) (string, error) {
	return "", nil
}

// fakeProvider counts API calls and can refuse merges.
type fakeProvider struct {
	openPRs    int
	countCalls int
	mergeErr   error
	mergedPRs  []int
}

func (p *fakeProvider) CreatePR(context.Context, hosting.PRCreateOptions) (*hosting.PR, error) {
	return &hosting.PR{Number: 1}, nil
}
func (p *fakeProvider) GetPR(context.Context, int) (*hosting.PR, error) { return nil, nil }
func (p *fakeProvider) MergePR(_ context.Context, number int, _ hosting.PRMergeOptions) error {
	if p.mergeErr != nil {
		return p.mergeErr
	}
	p.mergedPRs = append(p.mergedPRs, number)
	return nil
}
func (p *fakeProvider) FindPRByBranch(context.Context, string) (*hosting.PR, error) {
	return nil, nil
}
func (p *fakeProvider) OpenPRCount(context.Context) (int, error) {
	p.countCalls++
	return p.openPRs, nil
}
func (p *fakeProvider) CheckAuth(context.Context) error { return nil }
func (p *fakeProvider) Name() hosting.ProviderType      { return hosting.ProviderGitHub }
func (p *fakeProvider) OwnerRepo() (string, string)     { return "acme", "widgets" }

type fixture struct {
	sched *Scheduler
	cfg   *config.Config
	store store.Store
	dir   string
}

func newFixture(t *testing.T, provider hosting.Provider) *fixture {
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
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := nopRunner{}
	wt := worktree.NewManager(dir, paths, cfg.BaseBranch, runner, logger)
	ctl := lifecycle.New(cfg, st, tasklog.New(paths.TaskLogsDir()), thread.New(paths), inbox.New(paths), wt, logger)

	sched := New(Options{
		Config:         cfg,
		Store:          st,
		Controller:     ctl,
		Worktrees:      wt,
		Provider:       provider,
		Runner:         runner,
		OrchestratorID: "orch-test",
		Log:            logger,
	})
	return &fixture{sched: sched, cfg: cfg, store: st, dir: dir}
}

func (f *fixture) provisionalTask(t *testing.T, hooks []task.Hook) *task.Task {
	t.Helper()
	tk := task.New(task.NewID(), "merge me", "implement")
	tk.Queue = task.QueueProvisional
	tk.Hooks = hooks
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func mergeHook(status task.HookStatus) task.Hook {
	return task.Hook{Name: hook.MergePR, Point: task.PointBeforeMerge, Type: task.HookTypeOrchestrator, Status: status}
}

func TestCanClaimTask(t *testing.T) {
	f := newFixture(t, nil)
	limits := f.cfg.QueueLimits

	cases := []struct {
		name   string
		counts map[task.Queue]int
		prs    int
		want   bool
	}{
		{"nothing claimable", map[task.Queue]int{}, 0, false},
		{"room everywhere", map[task.Queue]int{task.QueueIncoming: 1}, 0, true},
		{"continuation counts as claimable", map[task.Queue]int{task.QueueNeedsContinuation: 1}, 0, true},
		{"claimed at limit", map[task.Queue]int{task.QueueIncoming: 1, task.QueueClaimed: limits.MaxClaimed}, 0, false},
		{"provisional at limit", map[task.Queue]int{task.QueueIncoming: 1, task.QueueProvisional: limits.MaxProvisional}, 0, false},
		{"open PRs at limit", map[task.Queue]int{task.QueueIncoming: 1}, limits.MaxOpenPRs, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := f.sched.CanClaimTask(&tickState{counts: tc.counts, openPRs: tc.prs})
			if got != tc.want {
				t.Errorf("CanClaimTask = %v (%s), want %v", got, reason, tc.want)
			}
			if !got && reason == "" {
				t.Error("a refusal must carry a reason")
			}
		})
	}
}

func TestCanCreateTask(t *testing.T) {
	f := newFixture(t, nil)
	max := f.cfg.QueueLimits.MaxIncoming

	ok, _ := f.sched.CanCreateTask(&tickState{counts: map[task.Queue]int{task.QueueIncoming: max - 1}})
	assert.True(t, ok)

	ok, reason := f.sched.CanCreateTask(&tickState{counts: map[task.Queue]int{
		task.QueueIncoming: max - 2,
		task.QueueClaimed:  2,
	}})
	assert.False(t, ok)
	assert.Contains(t, reason, "incoming+claimed")
}

func TestPausedTickIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	tk := f.provisionalTask(t, []task.Hook{mergeHook(task.HookPassed)})

	require.NoError(t, f.sched.Pause())
	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueProvisional, got.Queue, "paused tick must not touch tasks")

	require.NoError(t, f.sched.Resume())
	require.NoError(t, f.sched.Tick(context.Background()))

	got, err = f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueDone, got.Queue)
}

func TestMergeGateRunsPendingHookAndAccepts(t *testing.T) {
	f := newFixture(t, nil)
	// PRNumber zero makes merge_pr a skip, which still counts as passed.
	tk := f.provisionalTask(t, []task.Hook{mergeHook(task.HookPending)})

	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueDone, got.Queue)
	require.Len(t, got.Hooks, 1)
	assert.Equal(t, task.HookPassed, got.Hooks[0].Status)
}

func TestMergeGateMergesThroughProvider(t *testing.T) {
	provider := &fakeProvider{}
	f := newFixture(t, provider)
	tk := f.provisionalTask(t, []task.Hook{mergeHook(task.HookPending)})
	tk.PRNumber = 7
	_, err := f.store.Update(context.Background(), tk)
	require.NoError(t, err)

	require.NoError(t, f.sched.Tick(context.Background()))

	assert.Equal(t, []int{7}, provider.mergedPRs)
	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueDone, got.Queue)
}

func TestMergeGateLeavesFailedHookForHuman(t *testing.T) {
	provider := &fakeProvider{mergeErr: assert.AnError}
	f := newFixture(t, provider)
	tk := f.provisionalTask(t, []task.Hook{mergeHook(task.HookPending)})
	tk.PRNumber = 7
	_, err := f.store.Update(context.Background(), tk)
	require.NoError(t, err)

	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueProvisional, got.Queue)
	require.Len(t, got.Hooks, 1)
	assert.Equal(t, task.HookFailed, got.Hooks[0].Status)
}

func zombieTask(t *testing.T, f *fixture, agent string, leaseAge time.Duration) *task.Task {
	t.Helper()
	tk := task.New(task.NewID(), "stalled", "implement")
	tk.Queue = task.QueueClaimed
	tk.ClaimedBy = agent
	tk.RejectionCount = 2
	expired := time.Now().UTC().Add(-leaseAge)
	tk.LeaseExpiresAt = &expired
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func TestZombieReclaim(t *testing.T) {
	f := newFixture(t, nil)
	tk := zombieTask(t, f, "coder-1", time.Hour)

	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueIncoming, got.Queue)
	assert.Equal(t, 2, got.RejectionCount, "reclaim is not a rejection")
	assert.Empty(t, got.ClaimedBy)
	assert.Equal(t, 1, f.sched.ZombieClaims())
}

func TestZombieReclaimSkipsFreshHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	tk := zombieTask(t, f, "coder-1", time.Hour)

	paths := f.cfg.StateDir()
	require.NoError(t, os.MkdirAll(paths.AgentDir("coder-1"), 0755))
	require.NoError(t, os.WriteFile(paths.AgentHeartbeat("coder-1"), nil, 0644))

	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueClaimed, got.Queue, "fresh heartbeat means the agent may still be alive")
	assert.Equal(t, 0, f.sched.ZombieClaims())
}

func TestZombieReclaimSkipsLiveLease(t *testing.T) {
	f := newFixture(t, nil)
	tk := task.New(task.NewID(), "working", "implement")
	tk.Queue = task.QueueClaimed
	tk.ClaimedBy = "coder-1"
	future := time.Now().UTC().Add(time.Hour)
	tk.LeaseExpiresAt = &future
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)

	require.NoError(t, f.sched.Tick(context.Background()))

	got, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueClaimed, got.Queue)
}

func TestPRCacheServesFreshFile(t *testing.T) {
	provider := &fakeProvider{openPRs: 99}
	f := newFixture(t, provider)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cache := f.sched.prCache
	require.NoError(t, os.WriteFile(cache.path,
		[]byte(`{"count":7,"fetched_at":"`+time.Now().UTC().Format(time.RFC3339)+`"}`), 0644))

	assert.Equal(t, 7, cache.count(context.Background(), logger))
	assert.Equal(t, 0, provider.countCalls, "fresh cache must not hit the API")
}

func TestPRCacheRefreshesWhenStale(t *testing.T) {
	provider := &fakeProvider{openPRs: 99}
	f := newFixture(t, provider)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cache := f.sched.prCache
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	require.NoError(t, os.WriteFile(cache.path, []byte(`{"count":7,"fetched_at":"`+stale+`"}`), 0644))

	assert.Equal(t, 99, cache.count(context.Background(), logger))
	assert.Equal(t, 1, provider.countCalls)

	// The refresh rewrote the file, so the next read is served from it.
	assert.Equal(t, 99, cache.count(context.Background(), logger))
	assert.Equal(t, 1, provider.countCalls)
}

func TestPRCacheNilProvider(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, 0, f.sched.prCache.count(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestJobsConditionAndIntervalGate(t *testing.T) {
	f := newFixture(t, nil)

	var runs int
	reg := &jobRegistry{jobs: []*job{{
		name:     "janitor",
		interval: time.Hour,
		when:     []string{"has_open_prs"},
		run: func(context.Context) error {
			runs++
			return nil
		},
	}}}

	reg.run(context.Background(), f.sched, &tickState{openPRs: 0})
	assert.Equal(t, 0, runs, "condition must gate the job")

	reg.run(context.Background(), f.sched, &tickState{openPRs: 3})
	assert.Equal(t, 1, runs)

	reg.run(context.Background(), f.sched, &tickState{openPRs: 3})
	assert.Equal(t, 1, runs, "interval must gate a repeat run")
}

func TestRebaserJobRunsWithoutOpenPRs(t *testing.T) {
	f := newFixture(t, nil)
	paths := f.cfg.StateDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wt := worktree.NewManager(f.dir, paths, f.cfg.BaseBranch, nopRunner{}, logger)
	ctl := lifecycle.New(f.cfg, f.store, tasklog.New(paths.TaskLogsDir()), thread.New(paths), inbox.New(paths), wt, logger)
	worker := rebase.New(f.cfg, f.store, ctl, thread.New(paths), f.dir, nopRunner{}, logger)

	reg := defaultJobs(f.sched, nil, worker)
	var rebaserJob *job
	for _, j := range reg.jobs {
		if j.name == "rebaser" {
			rebaserJob = j
		}
	}
	require.NotNil(t, rebaserJob)
	assert.Empty(t, rebaserJob.when, "rebasing is pure git and must not wait on a host")

	reg.run(context.Background(), f.sched, &tickState{openPRs: 0})
	assert.False(t, rebaserJob.lastRun.IsZero(), "rebaser must fire with zero open PRs")
}

func TestUnknownConditionFailsClosed(t *testing.T) {
	f := newFixture(t, nil)

	var runs int
	reg := &jobRegistry{jobs: []*job{{
		name: "janitor",
		when: []string{"never_heard_of_it"},
		run: func(context.Context) error {
			runs++
			return nil
		},
	}}}
	reg.run(context.Background(), f.sched, &tickState{})
	assert.Equal(t, 0, runs)
}

func TestMultipleInstancesTrackedAndReaped(t *testing.T) {
	f := newFixture(t, nil)

	first := &agentProc{agent: "coder-1", taskID: "aaaa1111", done: make(chan struct{})}
	second := &agentProc{agent: "coder-1", taskID: "bbbb2222", done: make(chan struct{})}
	f.sched.mu.Lock()
	f.sched.procs["coder-1"] = []*agentProc{first, second}
	f.sched.mu.Unlock()

	assert.Equal(t, 2, f.sched.runningInstances("coder-1"))

	close(first.done)
	f.sched.reapFinished(context.Background())
	assert.Equal(t, 1, f.sched.runningInstances("coder-1"), "second instance must survive the first's reap")

	close(second.done)
	f.sched.reapFinished(context.Background())
	assert.Equal(t, 0, f.sched.runningInstances("coder-1"))

	f.sched.mu.Lock()
	_, tracked := f.sched.procs["coder-1"]
	f.sched.mu.Unlock()
	assert.False(t, tracked, "both instances reaped")
}

func TestReapRoutesCrashedInstanceAmongMany(t *testing.T) {
	f := newFixture(t, nil)

	tk := task.New(task.NewID(), "stalled", "implement")
	tk.Queue = task.QueueClaimed
	tk.ClaimedBy = "coder-1"
	created, err := f.store.Create(context.Background(), tk)
	require.NoError(t, err)

	crashed := &agentProc{agent: "coder-1", taskID: created.ID, done: make(chan struct{}), exitErr: assert.AnError}
	close(crashed.done)
	running := &agentProc{agent: "coder-1", taskID: "cccc3333", done: make(chan struct{})}
	f.sched.mu.Lock()
	f.sched.procs["coder-1"] = []*agentProc{crashed, running}
	f.sched.mu.Unlock()

	f.sched.reapFinished(context.Background())

	got, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.QueueFailed, got.Queue, "no worktree means no partial work")
	assert.Equal(t, 1, f.sched.runningInstances("coder-1"))
}

func TestAgentStateRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now().UTC().Truncate(time.Second)

	f.sched.writeAgentState("coder-1", AgentState{Running: true, PID: 4242, LastStarted: &now, CurrentTask: "a1b2"})

	got, err := f.sched.readAgentState("coder-1")
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, "a1b2", got.CurrentTask)
}

func TestToolUseCountIsFileSize(t *testing.T) {
	f := newFixture(t, nil)
	paths := f.cfg.StateDir()
	require.NoError(t, os.MkdirAll(paths.AgentDir("coder-1"), 0755))
	require.NoError(t, os.WriteFile(paths.AgentToolCounter("coder-1"), []byte("....."), 0644))

	assert.Equal(t, 5, f.sched.ToolUseCount("coder-1"))
	assert.Equal(t, 0, f.sched.ToolUseCount("coder-2"))
}
