// Package recycle is the burnout detector. It sweeps provisional
// tasks for agents that spun without committing, replaces them with
// breakdown tasks up to the depth cap, and reconciles stale blockers.
package recycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/tasklog"
)

// Sweeper runs once per scheduler tick when due.
type Sweeper struct {
	cfg     *config.Config
	store   store.Store
	ctl     *lifecycle.Controller
	journal *tasklog.Log
	inbox   *inbox.Inbox
	log     *slog.Logger
}

func New(cfg *config.Config, st store.Store, ctl *lifecycle.Controller, journal *tasklog.Log, in *inbox.Inbox, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, store: st, ctl: ctl, journal: journal, inbox: in, log: log}
}

// BurnedOut is the burnout predicate: a full turn budget spent with
// nothing committed.
func (s *Sweeper) BurnedOut(t *task.Task) bool {
	threshold := s.cfg.Timing.BurnoutTurns
	if threshold <= 0 {
		threshold = 60
	}
	return t.CommitsCount == 0 && t.TurnsUsed >= threshold
}

// Sweep checks provisional tasks for burnout and then reconciles
// blockers. Errors on individual tasks are logged, not fatal, so one
// bad task cannot stall the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tasks, err := s.store.List(ctx, store.ListFilter{Queue: task.QueueProvisional})
	if err != nil {
		return fmt.Errorf("list provisional tasks: %w", err)
	}

	for _, t := range tasks {
		if !s.BurnedOut(t) {
			continue
		}
		if err := s.handleBurnout(ctx, t); err != nil {
			s.log.Error("burnout handling", "task", t.ID, "error", err)
		}
	}

	return s.ReconcileBlockers(ctx)
}

func (s *Sweeper) handleBurnout(ctx context.Context, t *task.Task) error {
	depthCap := s.cfg.Timing.MaxBreakdownDepth
	if depthCap <= 0 {
		depthCap = 3
	}

	if t.BreakdownDepth >= depthCap {
		return s.acceptAtDepthCap(ctx, t)
	}

	note := s.burnoutContext(t)
	child, err := s.ctl.Recycle(ctx, t, note)
	if err != nil {
		return err
	}
	s.log.Info("burned-out task recycled", "task", t.ID, "breakdown_task", child.ID, "depth", child.BreakdownDepth)
	return nil
}

// acceptAtDepthCap closes out a task that can no longer be broken
// down. It lands in done with a note; the hook gate does not apply
// because a human is explicitly asked to review.
func (s *Sweeper) acceptAtDepthCap(ctx context.Context, t *task.Task) error {
	const note = "depth cap reached; human review requested"

	t.Queue = task.QueueDone
	t.ClearLease()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["acceptance_note"] = note

	if _, err := s.store.Update(ctx, t); err != nil {
		return err
	}
	if err := s.journal.Append(t.ID, tasklog.EventAccepted, map[string]string{"note": note}); err != nil {
		s.log.Warn("task log append", "task", t.ID, "error", err)
	}
	if err := s.inbox.Post(inbox.Message{
		TaskID:   t.ID,
		Severity: inbox.SeverityInfo,
		Subject:  fmt.Sprintf("Task %s accepted at breakdown depth cap", t.ID),
		Body:     fmt.Sprintf("%s\n\n%s.", t.Title, note),
	}); err != nil {
		s.log.Warn("post depth-cap message", "task", t.ID, "error", err)
	}
	s.log.Warn("task accepted at depth cap", "task", t.ID, "depth", t.BreakdownDepth)
	return nil
}

// burnoutContext summarizes what the breakdown agent needs to know
// about the burned-out attempt.
func (s *Sweeper) burnoutContext(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d turns used with 0 commits.", t.TurnsUsed)
	if t.Branch != "" {
		fmt.Fprintf(&b, " Branch: %s.", t.Branch)
	}
	if claims, err := s.journal.ClaimCount(t.ID); err == nil && claims > 0 {
		fmt.Fprintf(&b, " Claimed %d time(s).", claims)
	}
	if first, last, err := s.journal.ClaimTimes(t.ID); err == nil && !first.IsZero() {
		fmt.Fprintf(&b, " First claim %s, last claim %s.",
			first.Format("2006-01-02 15:04"), last.Format("2006-01-02 15:04"))
	}
	if t.FilePath != "" {
		fmt.Fprintf(&b, " Brief: %s.", t.FilePath)
	}
	return b.String()
}

// ReconcileBlockers drops blocker IDs that now point at accepting
// queues. Tasks whose whole list resolves become claimable again.
func (s *Sweeper) ReconcileBlockers(ctx context.Context) error {
	tasks, err := s.store.List(ctx, store.ListFilter{})
	if err != nil {
		return fmt.Errorf("list tasks for blocker reconciliation: %w", err)
	}

	accepting := make(map[string]bool)
	for _, t := range tasks {
		accepting[t.ID] = t.Queue.Accepting()
	}

	for _, t := range tasks {
		if t.BlockedBy == "" || t.Queue.IsTerminal() {
			continue
		}

		var remaining []string
		for _, id := range t.BlockerIDs() {
			done, known := accepting[id]
			if known && done {
				continue
			}
			remaining = append(remaining, id)
		}

		updated := strings.Join(remaining, ",")
		if updated == t.BlockedBy {
			continue
		}

		t.BlockedBy = updated
		if _, err := s.store.Update(ctx, t); err != nil {
			s.log.Error("clear stale blockers", "task", t.ID, "error", err)
			continue
		}
		s.log.Info("blockers reconciled", "task", t.ID, "remaining", updated)
	}
	return nil
}
