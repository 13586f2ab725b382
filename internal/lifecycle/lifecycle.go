// Package lifecycle centralizes task state transitions. Every verb is
// a thin wrapper around the store that also writes task log events and
// performs the filesystem side effects (briefs, worktrees, threads,
// inbox messages). Nothing else in the codebase moves tasks between
// queues directly.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/randalmurphal/drover/internal/config"
	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/hook"
	"github.com/randalmurphal/drover/internal/inbox"
	"github.com/randalmurphal/drover/internal/role"
	"github.com/randalmurphal/drover/internal/store"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/tasklog"
	"github.com/randalmurphal/drover/internal/thread"
	"github.com/randalmurphal/drover/internal/worktree"
)

// Controller wires the store to the local filesystem state.
type Controller struct {
	cfg     *config.Config
	paths   config.Paths
	store   store.Store
	journal *tasklog.Log
	threads *thread.Log
	inbox   *inbox.Inbox
	wt      *worktree.Manager
	log     *slog.Logger
}

func New(cfg *config.Config, st store.Store, journal *tasklog.Log, threads *thread.Log, in *inbox.Inbox, wt *worktree.Manager, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:     cfg,
		paths:   cfg.StateDir(),
		store:   st,
		journal: journal,
		threads: threads,
		inbox:   in,
		wt:      wt,
		log:     log,
	}
}

// CreateRequest is the caller-facing shape for new tasks.
type CreateRequest struct {
	Title     string
	Role      string
	Priority  task.Priority
	Branch    string
	Type      string
	BlockedBy string
	ProjectID string
	Expedite  bool
	Checks    []string
	CreatedBy string
	// Body is the human-authored brief body (context, acceptance
	// criteria). The core never interprets it.
	Body string
}

// Create writes the brief, resolves hooks, inserts the task, and logs
// CREATED. The literal "None" and empty blocker strings normalize to
// no blockers before the store sees them.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*task.Task, error) {
	if req.Title == "" {
		return nil, errors.ErrInvalidArgument("title", "must not be empty")
	}
	if req.Role == "" {
		return nil, errors.ErrInvalidArgument("role", "must not be empty")
	}

	t := task.New(task.NewID(), req.Title, req.Role)
	if req.Priority != "" {
		t.Priority = req.Priority
	}
	t.Branch = req.Branch
	t.Type = req.Type
	t.BlockedBy = task.NormalizeBlockedBy(req.BlockedBy)
	t.ProjectID = req.ProjectID
	t.Expedite = req.Expedite
	t.Checks = req.Checks
	t.Hooks = hook.Resolve(c.cfg, req.Type, c.log)

	path, err := c.writeBrief(t, req.CreatedBy, req.Body)
	if err != nil {
		return nil, err
	}
	t.FilePath = path

	created, err := c.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}

	c.event(created.ID, tasklog.EventCreated,
		"title", created.Title, "role", created.Role, "priority", string(created.Priority))
	c.log.Info("task created", "task", created.ID, "role", created.Role, "queue", string(created.Queue))
	return created, nil
}

func (c *Controller) writeBrief(t *task.Task, createdBy, body string) (string, error) {
	brief := task.Brief{
		ID:             t.ID,
		Title:          t.Title,
		Role:           t.Role,
		Priority:       t.Priority,
		Branch:         t.Branch,
		Created:        t.CreatedAt,
		CreatedBy:      createdBy,
		BlockedBy:      t.BlockedBy,
		Project:        t.ProjectID,
		Checks:         t.Checks,
		BreakdownDepth: t.BreakdownDepth,
		Expedite:       t.Expedite,
		Body:           body,
	}

	path := task.BriefPath(c.paths.Root, t.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create tasks directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(brief.Render()), 0644); err != nil {
		return "", fmt.Errorf("write task brief: %w", err)
	}
	return path, nil
}

// Claimed is what a successful claim hands to the agent launcher.
type Claimed struct {
	Task         *task.Task
	WorktreePath string
	BriefContent string
}

// Claim pulls the next eligible task, prepares its worktree, and loads
// the brief. Returns (nil, nil) when nothing is claimable.
func (c *Controller) Claim(ctx context.Context, req store.ClaimRequest) (*Claimed, error) {
	t, err := c.store.Claim(ctx, req)
	if err != nil || t == nil {
		return nil, err
	}

	c.event(t.ID, tasklog.EventClaimed,
		"agent", t.ClaimedBy, "orchestrator", t.OrchestratorID, "attempt", fmt.Sprintf("%d", t.AttemptCount))

	path, err := c.wt.EnsureTaskWorktree(ctx, t)
	if err != nil {
		// The claim stands; the scheduler decides whether to release.
		return nil, errors.ErrWorktree(t.ID, "prepare claimed worktree", err)
	}

	content := ""
	if t.FilePath != "" {
		if data, err := os.ReadFile(t.FilePath); err == nil {
			content = string(data)
		} else {
			c.log.Warn("brief unreadable", "task", t.ID, "path", t.FilePath, "error", err)
		}
	}

	return &Claimed{Task: t, WorktreePath: path, BriefContent: content}, nil
}

// Submit moves a claimed task to provisional. A zero-commit run on a
// task that has been attempted or rejected before is auto-rejected
// instead of submitted.
func (c *Controller) Submit(ctx context.Context, req store.SubmitRequest) (*task.Task, error) {
	t, err := c.store.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}

	if req.CommitsCount == 0 && (t.AttemptCount > 0 || t.RejectionCount > 0) {
		c.log.Info("auto-rejecting zero-commit submission", "task", t.ID, "attempts", t.AttemptCount)
		return c.rejectDirect(ctx, t, "No commits made.", "system")
	}

	updated, err := c.store.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	c.event(updated.ID, tasklog.EventSubmitted,
		"commits", fmt.Sprintf("%d", req.CommitsCount), "turns", fmt.Sprintf("%d", req.TurnsUsed))
	return updated, nil
}

// Accept finishes a provisional task: store transition, worktree
// cleanup with a final push, then the task's notes and thread go away.
func (c *Controller) Accept(ctx context.Context, id, acceptedBy string, version int64) (*task.Task, error) {
	updated, err := c.store.Accept(ctx, id, acceptedBy, version)
	if err != nil {
		return nil, err
	}

	if err := c.wt.Cleanup(ctx, id, true); err != nil {
		c.log.Warn("worktree cleanup after accept", "task", id, "error", err)
	}
	if err := os.RemoveAll(c.paths.NotesDir(id)); err != nil {
		c.log.Warn("notes cleanup after accept", "task", id, "error", err)
	}
	if err := c.threads.Delete(id); err != nil {
		c.log.Warn("thread cleanup after accept", "task", id, "error", err)
	}

	kv := []string{"accepted_by", acceptedBy}
	if updated.PRNumber != 0 {
		kv = append(kv, "pr", strconv.Itoa(updated.PRNumber))
	}
	c.event(id, tasklog.EventAccepted, kv...)
	c.log.Info("task accepted", "task", id, "accepted_by", acceptedBy)
	return updated, nil
}

// Reject sends a provisional task back with feedback. The feedback is
// a thread message; the brief is never rewritten. At the rejection cap
// the task escalates and a human-visible message is posted.
func (c *Controller) Reject(ctx context.Context, id, reason, rejectedBy string, version int64) (*task.Task, error) {
	if err := c.threads.Append(id, rejectedBy, thread.RoleRejection, reason); err != nil {
		return nil, err
	}

	updated, err := c.store.Reject(ctx, id, reason, rejectedBy, version)
	if err != nil {
		return nil, err
	}

	c.event(id, tasklog.EventRejected, "reason", reason, "by", rejectedBy)
	c.event(id, tasklog.EventRequeued,
		"from_queue", string(task.QueueProvisional), "to_queue", string(updated.Queue))

	if err := c.wt.Cleanup(ctx, id, true); err != nil {
		c.log.Warn("worktree cleanup after reject", "task", id, "error", err)
	}

	if updated.Queue == task.QueueEscalated {
		c.escalate(updated, reason)
	}
	return updated, nil
}

// rejectDirect applies rejection semantics to a task that is not in
// provisional (the zero-commit submit gate). It mirrors the store's
// reject transition through a CAS update.
func (c *Controller) rejectDirect(ctx context.Context, t *task.Task, reason, rejectedBy string) (*task.Task, error) {
	if err := c.threads.Append(t.ID, rejectedBy, thread.RoleRejection, reason); err != nil {
		return nil, err
	}

	fromQueue := t.Queue
	t.RejectionCount++
	if t.RejectionCount >= c.maxRejections() {
		t.Queue = task.QueueEscalated
	} else {
		t.Queue = task.QueueIncoming
	}
	t.ClearLease()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["rejection_reason"] = reason
	t.Metadata["rejected_by"] = rejectedBy

	updated, err := c.store.Update(ctx, t)
	if err != nil {
		return nil, err
	}

	c.event(t.ID, tasklog.EventRejected, "reason", reason, "by", rejectedBy)
	c.event(t.ID, tasklog.EventRequeued,
		"from_queue", string(fromQueue), "to_queue", string(updated.Queue))

	if err := c.wt.Cleanup(ctx, t.ID, true); err != nil {
		c.log.Warn("worktree cleanup after reject", "task", t.ID, "error", err)
	}
	if updated.Queue == task.QueueEscalated {
		c.escalate(updated, reason)
	}
	return updated, nil
}

func (c *Controller) escalate(t *task.Task, reason string) {
	c.event(t.ID, tasklog.EventEscalated, "rejections", fmt.Sprintf("%d", t.RejectionCount))
	if err := c.inbox.Post(inbox.Message{
		TaskID:   t.ID,
		Severity: inbox.SeverityEscalation,
		Subject:  fmt.Sprintf("Task %s escalated after %d rejections", t.ID, t.RejectionCount),
		Body:     fmt.Sprintf("%s\n\nLast rejection: %s", t.Title, reason),
	}); err != nil {
		c.log.Warn("post escalation message", "task", t.ID, "error", err)
	}
	c.log.Warn("task escalated", "task", t.ID, "rejections", t.RejectionCount)
}

// Recycle replaces a burned-out task with a breakdown task one level
// deeper and parks the original in recycled. The burnout context rides
// along in the child's brief body.
func (c *Controller) Recycle(ctx context.Context, t *task.Task, contextNote string) (*task.Task, error) {
	child := task.New(task.NewID(), t.Title, string(role.Breakdown))
	child.Queue = task.QueueBreakdown
	child.Priority = t.GetPriority()
	child.Branch = t.Branch
	child.ProjectID = t.ProjectID
	child.BreakdownID = t.ID
	child.BreakdownDepth = t.BreakdownDepth + 1
	child.Expedite = t.Expedite

	body := fmt.Sprintf("Break down TASK-%s. It burned out: %s\n", t.ID, contextNote)
	path, err := c.writeBrief(child, "recycler", body)
	if err != nil {
		return nil, err
	}
	child.FilePath = path

	created, err := c.store.Create(ctx, child)
	if err != nil {
		return nil, err
	}
	c.event(created.ID, tasklog.EventCreated,
		"title", created.Title, "role", created.Role, "breakdown_of", t.ID,
		"depth", fmt.Sprintf("%d", created.BreakdownDepth))

	fromQueue := t.Queue
	t.Queue = task.QueueRecycled
	t.ClearLease()
	if _, err := c.store.Update(ctx, t); err != nil {
		return nil, err
	}
	c.event(t.ID, tasklog.EventRecycled, "breakdown_task", created.ID)
	c.event(t.ID, tasklog.EventRequeued,
		"from_queue", string(fromQueue), "to_queue", string(task.QueueRecycled))

	if err := c.wt.Cleanup(ctx, t.ID, true); err != nil {
		c.log.Warn("worktree cleanup after recycle", "task", t.ID, "error", err)
	}
	return created, nil
}

// Fail moves a task to failed and surfaces it in the inbox.
func (c *Controller) Fail(ctx context.Context, t *task.Task, reason string) (*task.Task, error) {
	fromQueue := t.Queue
	t.Queue = task.QueueFailed
	t.ClearLease()
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	t.Metadata["failure_reason"] = reason

	updated, err := c.store.Update(ctx, t)
	if err != nil {
		return nil, err
	}

	if err := c.wt.Cleanup(ctx, t.ID, true); err != nil {
		c.log.Warn("worktree cleanup after fail", "task", t.ID, "error", err)
	}

	c.event(t.ID, tasklog.EventFailed, "reason", reason, "from_queue", string(fromQueue))
	if err := c.inbox.Post(inbox.Message{
		TaskID:   t.ID,
		Severity: inbox.SeverityFailure,
		Subject:  fmt.Sprintf("Task %s failed", t.ID),
		Body:     fmt.Sprintf("%s\n\nReason: %s", t.Title, reason),
	}); err != nil {
		c.log.Warn("post failure message", "task", t.ID, "error", err)
	}
	return updated, nil
}

// MarkNeedsContinuation parks a partially-done task so the same agent
// resumes it: branch and last_agent survive, the lease does not.
func (c *Controller) MarkNeedsContinuation(ctx context.Context, t *task.Task, reason string) (*task.Task, error) {
	fromQueue := t.Queue
	t.LastAgent = t.ClaimedBy
	t.ContinuationReason = reason
	t.Queue = task.QueueNeedsContinuation
	t.ClearLease()

	updated, err := c.store.Update(ctx, t)
	if err != nil {
		return nil, err
	}
	c.event(t.ID, tasklog.EventRequeued,
		"from_queue", string(fromQueue), "to_queue", string(task.QueueNeedsContinuation),
		"reason", reason)
	return updated, nil
}

// ReleaseZombie returns an expired claim to incoming without touching
// the rejection count.
func (c *Controller) ReleaseZombie(ctx context.Context, t *task.Task) (*task.Task, error) {
	fromQueue := t.Queue
	t.Queue = task.QueueIncoming
	t.ClearLease()

	updated, err := c.store.Update(ctx, t)
	if err != nil {
		return nil, err
	}
	c.event(t.ID, tasklog.EventRequeued,
		"from_queue", string(fromQueue), "to_queue", string(task.QueueIncoming),
		"reason", "lease_expired")
	c.log.Warn("released zombie claim", "task", t.ID, "agent", updated.LastAgent)
	return updated, nil
}

func (c *Controller) maxRejections() int {
	if c.cfg.Timing.MaxRejections > 0 {
		return c.cfg.Timing.MaxRejections
	}
	return 3
}

func (c *Controller) event(taskID, event string, kv ...string) {
	fields := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	if err := c.journal.Append(taskID, event, fields); err != nil {
		c.log.Warn("task log append", "task", taskID, "event", event, "error", err)
	}
}
