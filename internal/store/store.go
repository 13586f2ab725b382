// Package store defines the client interface to the canonical task
// store. Two implementations exist: httpstore talks to a remote API,
// dbstore owns a SQL database directly. Both are scope-tagged; a
// client built without a scope refuses to start.
package store

import (
	"context"
	"time"

	"github.com/randalmurphal/drover/internal/task"
)

// ListFilter narrows List results. Zero fields are unfiltered.
type ListFilter struct {
	Queue     task.Queue
	ClaimedBy string
	Role      string
	ProjectID string
}

// ClaimRequest asks the store to atomically claim the next eligible
// task. Queue defaults to incoming.
type ClaimRequest struct {
	OrchestratorID string
	AgentName      string
	RoleFilter     string
	TypeFilter     string
	Queue          task.Queue
	MaxClaimed     int
	LeaseDuration  time.Duration
}

// SubmitRequest moves a claimed task to provisional with the agent's
// execution accounting. Version is the caller's last-seen version.
type SubmitRequest struct {
	TaskID       string
	CommitsCount int
	TurnsUsed    int
	Notes        string
	Version      int64
}

// Store is the narrow client surface the lifecycle controller and
// scheduler depend on. Every mutating call carries the caller's
// last-seen version; a stale version surfaces as a Conflict error.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new task. Fails InvalidArgument when blocked_by
	// still carries the literal "None" (callers normalize first).
	Create(ctx context.Context, t *task.Task) (*task.Task, error)

	// Get returns a task or a NotFound error.
	Get(ctx context.Context, id string) (*task.Task, error)

	// List returns tasks matching the filter, ordered expedited first,
	// then priority ascending, then creation time ascending.
	List(ctx context.Context, f ListFilter) ([]*task.Task, error)

	// Claim atomically claims the next eligible task: queue and
	// role/type filters match, every blocker sits in an accepting
	// queue, and the scope's claimed count is under MaxClaimed.
	// Returns (nil, nil) when nothing is claimable.
	Claim(ctx context.Context, req ClaimRequest) (*task.Task, error)

	// Submit moves claimed to provisional. Fails PreconditionFailed
	// while any before_submit agent hook is still pending.
	Submit(ctx context.Context, req SubmitRequest) (*task.Task, error)

	// Accept moves provisional to done. Fails PreconditionFailed while
	// any before_merge orchestrator hook is still pending.
	Accept(ctx context.Context, id, acceptedBy string, version int64) (*task.Task, error)

	// Reject moves provisional back to incoming and increments the
	// rejection count, or to escalated once the cap is reached.
	Reject(ctx context.Context, id, reason, rejectedBy string, version int64) (*task.Task, error)

	// Update writes the full task record with CAS on t.Version and
	// returns the stored record with its bumped version.
	Update(ctx context.Context, t *task.Task) (*task.Task, error)

	// Delete removes a task record.
	Delete(ctx context.Context, id string) error

	// QueueCounts returns the per-queue task counts for the scope.
	QueueCounts(ctx context.Context) (map[task.Queue]int, error)

	Close() error
}
