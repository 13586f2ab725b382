// Package task defines the task model shared by the store, scheduler,
// and lifecycle controller.
package task

import (
	"sort"
	"strings"
	"time"
)

// Queue represents the current state of a task. A task is in exactly
// one queue at any instant; transitions go through the store and are
// checked against the task version.
type Queue string

const (
	QueueIncoming          Queue = "incoming"
	QueueClaimed           Queue = "claimed"
	QueueProvisional       Queue = "provisional"
	QueueDone              Queue = "done"
	QueueFailed            Queue = "failed"
	QueueRejected          Queue = "rejected"
	QueueEscalated         Queue = "escalated"
	QueueRecycled          Queue = "recycled"
	QueueBreakdown         Queue = "breakdown"
	QueueNeedsContinuation Queue = "needs_continuation"
	QueueBlocked           Queue = "blocked"
	QueueCancelled         Queue = "cancelled"
)

// ValidQueues returns all valid queue values.
func ValidQueues() []Queue {
	return []Queue{
		QueueIncoming, QueueClaimed, QueueProvisional, QueueDone,
		QueueFailed, QueueRejected, QueueEscalated, QueueRecycled,
		QueueBreakdown, QueueNeedsContinuation, QueueBlocked, QueueCancelled,
	}
}

// IsValidQueue returns true if the queue is a valid queue value.
func IsValidQueue(q Queue) bool {
	switch q {
	case QueueIncoming, QueueClaimed, QueueProvisional, QueueDone,
		QueueFailed, QueueRejected, QueueEscalated, QueueRecycled,
		QueueBreakdown, QueueNeedsContinuation, QueueBlocked, QueueCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for queues that end a task's lifecycle.
func (q Queue) IsTerminal() bool {
	switch q {
	case QueueDone, QueueFailed, QueueCancelled, QueueEscalated, QueueRejected:
		return true
	default:
		return false
	}
}

// Accepting returns true for queues that satisfy a blocker: a task
// blocked by another is claimable once every blocker is accepting.
func (q Queue) Accepting() bool {
	return q == QueueDone || q == QueueCancelled
}

// Priority is the urgency of a task. P0 sorts before P3.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// ValidPriorities returns all valid priority values.
func ValidPriorities() []Priority {
	return []Priority{PriorityP0, PriorityP1, PriorityP2, PriorityP3}
}

// IsValidPriority returns true if the priority is a valid priority value.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	default:
		return false
	}
}

// PriorityOrder returns a numeric value for sorting (lower = more urgent).
func PriorityOrder(p Priority) int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	default:
		return 2 // Default to P2
	}
}

// MergeMethod selects how the hosting provider merges a task's PR.
type MergeMethod string

const (
	MergeMethodMerge  MergeMethod = "merge"
	MergeMethodSquash MergeMethod = "squash"
	MergeMethodRebase MergeMethod = "rebase"
)

// IsValidMergeMethod returns true for a known merge method.
func IsValidMergeMethod(m MergeMethod) bool {
	switch m {
	case MergeMethodMerge, MergeMethodSquash, MergeMethodRebase:
		return true
	default:
		return false
	}
}

// HookPoint is the lifecycle point a hook gates.
type HookPoint string

const (
	PointBeforeSubmit HookPoint = "before_submit"
	PointBeforeMerge  HookPoint = "before_merge"
)

// HookType says which side executes the hook.
type HookType string

const (
	// HookTypeAgent hooks are executed by the agent process, which
	// reports evidence back through the store.
	HookTypeAgent HookType = "agent"
	// HookTypeOrchestrator hooks are executed by the scheduler.
	HookTypeOrchestrator HookType = "orchestrator"
)

// HookStatus is the recorded outcome of a hook on a task.
type HookStatus string

const (
	HookPending HookStatus = "pending"
	HookPassed  HookStatus = "passed"
	HookFailed  HookStatus = "failed"
)

// Hook is one entry in a task's ordered hook list. Hooks at the same
// point execute in list order.
type Hook struct {
	Name     string     `yaml:"name" json:"name"`
	Point    HookPoint  `yaml:"point" json:"point"`
	Type     HookType   `yaml:"type" json:"type"`
	Status   HookStatus `yaml:"status" json:"status"`
	Evidence string     `yaml:"evidence,omitempty" json:"evidence,omitempty"`
}

// Task is the central work item. The store owns the canonical copy;
// everything on local disk is a cache keyed by ID.
type Task struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Role     string   `yaml:"role" json:"role"`
	Priority Priority `yaml:"priority" json:"priority"`
	Branch   string   `yaml:"branch,omitempty" json:"branch,omitempty"`
	Queue    Queue    `yaml:"queue" json:"queue"`
	Flow     string   `yaml:"flow,omitempty" json:"flow,omitempty"`
	Type     string   `yaml:"type,omitempty" json:"type,omitempty"`

	// Expedite jumps the task ahead of priority ordering.
	Expedite bool `yaml:"expedite,omitempty" json:"expedite,omitempty"`

	// Lifecycle counters
	AttemptCount   int   `yaml:"attempt_count" json:"attempt_count"`
	RejectionCount int   `yaml:"rejection_count" json:"rejection_count"`
	CommitsCount   int   `yaml:"commits_count" json:"commits_count"`
	TurnsUsed      int   `yaml:"turns_used" json:"turns_used"`
	Version        int64 `yaml:"version" json:"version"`

	// Lease. Non-null only while queue=claimed.
	ClaimedBy      string     `yaml:"claimed_by,omitempty" json:"claimed_by,omitempty"`
	OrchestratorID string     `yaml:"orchestrator_id,omitempty" json:"orchestrator_id,omitempty"`
	ClaimedAt      *time.Time `yaml:"claimed_at,omitempty" json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `yaml:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`

	// Relationships
	BlockedBy      string `yaml:"blocked_by,omitempty" json:"blocked_by,omitempty"`
	ProjectID      string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	BreakdownID    string `yaml:"breakdown_id,omitempty" json:"breakdown_id,omitempty"`
	BreakdownDepth int    `yaml:"breakdown_depth" json:"breakdown_depth"`

	// Integration
	PRNumber    int         `yaml:"pr_number,omitempty" json:"pr_number,omitempty"`
	PRURL       string      `yaml:"pr_url,omitempty" json:"pr_url,omitempty"`
	MergeMethod MergeMethod `yaml:"merge_method,omitempty" json:"merge_method,omitempty"`
	NeedsRebase bool        `yaml:"needs_rebase,omitempty" json:"needs_rebase,omitempty"`

	Hooks  []Hook   `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Checks []string `yaml:"checks,omitempty" json:"checks,omitempty"`

	// FilePath names the markdown brief; the core reads and forwards
	// it to the agent but never interprets the body.
	FilePath string `yaml:"file_path,omitempty" json:"file_path,omitempty"`

	// Continuation state, preserved so the same agent resumes.
	LastAgent          string `yaml:"last_agent,omitempty" json:"last_agent,omitempty"`
	ContinuationReason string `yaml:"continuation_reason,omitempty" json:"continuation_reason,omitempty"`

	CreatedAt time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at" json:"updated_at"`
	Metadata  map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// New creates a task in the incoming queue with defaults applied.
func New(id, title, role string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          id,
		Title:       title,
		Role:        role,
		Priority:    PriorityP2,
		Queue:       QueueIncoming,
		Flow:        "default",
		MergeMethod: MergeMethodSquash,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}

// GetPriority returns the task's priority, defaulting to P2 if not set.
func (t *Task) GetPriority() Priority {
	if t.Priority == "" {
		return PriorityP2
	}
	return t.Priority
}

// HasLease returns true if the task carries claim fields.
func (t *Task) HasLease() bool {
	return t.ClaimedBy != "" && t.LeaseExpiresAt != nil
}

// LeaseExpired reports whether the lease has lapsed as of now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt != nil && now.After(*t.LeaseExpiresAt)
}

// ClearLease removes all claim fields. Called on every transition out
// of the claimed queue.
func (t *Task) ClearLease() {
	t.ClaimedBy = ""
	t.OrchestratorID = ""
	t.ClaimedAt = nil
	t.LeaseExpiresAt = nil
}

// BlockerIDs parses the comma-separated blocked_by field. The literal
// "None", the empty string, and whitespace all mean no blockers.
func (t *Task) BlockerIDs() []string {
	return ParseBlockedBy(t.BlockedBy)
}

// ParseBlockedBy splits a raw blocked_by value into IDs.
func ParseBlockedBy(raw string) []string {
	norm := NormalizeBlockedBy(raw)
	if norm == "" {
		return nil
	}
	parts := strings.Split(norm, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// NormalizeBlockedBy maps the "no blockers" spellings (empty, "None",
// any-case "none") to the empty string and trims the rest. Callers
// normalize before sending to the store; the store rejects a literal
// "None" as InvalidArgument.
func NormalizeBlockedBy(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "none") {
		return ""
	}
	return trimmed
}

// PendingHooks returns the hooks at the given point and type that have
// not passed, in list order.
func (t *Task) PendingHooks(point HookPoint, typ HookType) []Hook {
	var pending []Hook
	for _, h := range t.Hooks {
		if h.Point == point && h.Type == typ && h.Status != HookPassed {
			pending = append(pending, h)
		}
	}
	return pending
}

// SetHookStatus updates the status of the named hook in place.
// Returns false if no hook with that name exists.
func (t *Task) SetHookStatus(name string, status HookStatus, evidence string) bool {
	for i := range t.Hooks {
		if t.Hooks[i].Name == name {
			t.Hooks[i].Status = status
			if evidence != "" {
				t.Hooks[i].Evidence = evidence
			}
			return true
		}
	}
	return false
}

// Less orders tasks for list and claim: expedited first, then priority
// ascending (P0 before P3), then creation time ascending. Deterministic
// so test scenarios reproduce.
func Less(a, b *Task) bool {
	if a.Expedite != b.Expedite {
		return a.Expedite
	}
	pa, pb := PriorityOrder(a.GetPriority()), PriorityOrder(b.GetPriority())
	if pa != pb {
		return pa < pb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders a slice of tasks by the claim ordering.
func Sort(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return Less(tasks[i], tasks[j])
	})
}
