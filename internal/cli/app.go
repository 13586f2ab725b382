package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/gitx"
	"github.com/randalmurphal/drover/internal/hosting"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/rebase"
	"github.com/randalmurphal/drover/internal/recycle"
	"github.com/randalmurphal/drover/internal/scheduler"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/store/dbstore"
	"github.com/randalmurphal/drover/internal/store/httpstore"
	"github.com/randalmurphal/drover/internal/tasklog"
	"github.com/randalmurphal/drover/internal/thread"
	"github.com/randalmurphal/drover/internal/worktree"

	// Register hosting providers.
	_ "github.com/randalmurphal/drover/internal/hosting/github"
	_ "github.com/randalmurphal/drover/internal/hosting/gitlab"
)

// app bundles the wired collaborators every command works through.
type app struct {
	cfg     *config.Config
	paths   config.Paths
	store   store.Store
	ctl     *lifecycle.Controller
	wt      *worktree.Manager
	threads *thread.Log
	inbox   *inbox.Inbox
	journal *tasklog.Log
	runner  gitx.Runner
	log     *slog.Logger
}

// openApp loads config and builds the store, controller, and friends.
// Every command except init goes through here, so a missing scope
// fails before any work starts.
func openApp() (*app, error) {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	paths := cfg.StateDir()
	logger := newLogger(paths)
	runner := gitx.NewExecRunner()
	journal := tasklog.New(paths.TaskLogsDir())
	threads := thread.New(paths)
	in := inbox.New(paths)
	wt := worktree.NewManager(cfg.ProjectDir(), paths, cfg.BaseBranch, runner, logger)

	return &app{
		cfg:     cfg,
		paths:   paths,
		store:   st,
		ctl:     lifecycle.New(cfg, st, journal, threads, in, wt, logger),
		wt:      wt,
		threads: threads,
		inbox:   in,
		journal: journal,
		runner:  runner,
		log:     logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "error", err)
	}
}

// openStore picks the store mode: remote API when server.enabled,
// otherwise a local or shared database.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Server.Enabled {
		scope := cfg.Server.Scope
		if scope == "" {
			scope = cfg.Scope
		}
		return httpstore.New(httpstore.Options{
			URL:    cfg.Server.URL,
			Scope:  scope,
			APIKey: cfg.Server.APIKey,
		})
	}

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = filepath.Join(cfg.StateDir().Root, "drover.db")
	}
	return dbstore.Open(dbstore.Options{
		Driver:        cfg.Database.Driver,
		DSN:           dsn,
		Scope:         cfg.Scope,
		MaxRejections: cfg.Timing.MaxRejections,
	})
}

// buildScheduler wires the full tick machinery on top of the app.
func (a *app) buildScheduler() *scheduler.Scheduler {
	provider, err := hosting.NewProvider(a.cfg.ProjectDir(), hosting.Config{})
	if err != nil {
		a.log.Warn("no hosting provider, PR hooks will be skipped", "error", err)
		provider = nil
	}

	sweeper := recycle.New(a.cfg, a.store, a.ctl, a.journal, a.inbox, a.log)
	rebaser := rebase.New(a.cfg, a.store, a.ctl, a.threads, a.cfg.ProjectDir(), a.runner, a.log)

	return scheduler.New(scheduler.Options{
		Config:     a.cfg,
		Store:      a.store,
		Controller: a.ctl,
		Worktrees:  a.wt,
		Provider:   provider,
		Runner:     a.runner,
		Sweeper:    sweeper,
		Rebaser:    rebaser,
		Log:        a.log,
	})
}

// newLogger logs human-readable lines to stderr and appends the same
// records to the per-day scheduler log file.
func newLogger(paths config.Paths) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelWarn
	}

	var w io.Writer = os.Stderr
	if daily, err := newDailyWriter(paths); err == nil {
		w = io.MultiWriter(os.Stderr, daily)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func requireArgTask(args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("expected a task ID")
	}
	return normalizeTaskID(args[0]), nil
}
