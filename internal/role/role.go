// Package role defines the closed set of agent roles and the
// descriptor that tells the scheduler how to run each one. The
// descriptor is data; the scheduler consumes it uniformly instead of
// dispatching on role-specific code paths.
package role

import (
	"sort"

	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/task"
)

// Role is a tagged variant, not an open string: an agent blueprint
// naming a role outside this set fails config validation.
type Role string

const (
	Implementer      Role = "implement"
	OrchestratorImpl Role = "orchestrator_impl"
	Breakdown        Role = "breakdown"
	Curator          Role = "curator"
	Gatekeeper       Role = "gatekeeper"
	Rebaser          Role = "rebaser"
	Recycler         Role = "recycler"
	ProductManager   Role = "product_manager"
	Proposer         Role = "proposer"
)

// WorktreePolicy selects which worktree class a role works in.
type WorktreePolicy string

const (
	// WorktreeTask gives the role a per-task branch worktree.
	WorktreeTask WorktreePolicy = "task"
	// WorktreeAgent gives the role its persistent detached worktree.
	WorktreeAgent WorktreePolicy = "agent"
	// WorktreeNone runs without any checkout (pure control-plane).
	WorktreeNone WorktreePolicy = "none"
)

// Descriptor carries everything the scheduler needs to launch a role.
type Descriptor struct {
	Role         Role
	AllowedTools []string
	MaxTurns     int
	Worktree     WorktreePolicy
	// ClaimQueues lists the queues this role claims from, in order of
	// preference. Empty means the role never claims tasks.
	ClaimQueues []task.Queue
}

var descriptors = map[Role]Descriptor{
	Implementer: {
		Role:         Implementer,
		AllowedTools: []string{"read", "write", "edit", "bash", "grep", "glob"},
		MaxTurns:     80,
		Worktree:     WorktreeTask,
		ClaimQueues:  []task.Queue{task.QueueIncoming, task.QueueNeedsContinuation},
	},
	OrchestratorImpl: {
		Role:         OrchestratorImpl,
		AllowedTools: []string{"read", "write", "edit", "bash", "grep", "glob"},
		MaxTurns:     80,
		Worktree:     WorktreeTask,
		ClaimQueues:  []task.Queue{task.QueueIncoming, task.QueueNeedsContinuation},
	},
	Breakdown: {
		Role:         Breakdown,
		AllowedTools: []string{"read", "grep", "glob"},
		MaxTurns:     40,
		Worktree:     WorktreeAgent,
		ClaimQueues:  []task.Queue{task.QueueBreakdown},
	},
	Curator: {
		Role:         Curator,
		AllowedTools: []string{"read", "grep", "glob"},
		MaxTurns:     30,
		Worktree:     WorktreeAgent,
	},
	Gatekeeper: {
		Role:         Gatekeeper,
		AllowedTools: []string{"read", "bash", "grep", "glob"},
		MaxTurns:     40,
		Worktree:     WorktreeAgent,
		ClaimQueues:  []task.Queue{task.QueueProvisional},
	},
	Rebaser: {
		Role:         Rebaser,
		AllowedTools: []string{"bash"},
		MaxTurns:     0, // control-plane worker, no LLM turns
		Worktree:     WorktreeAgent,
	},
	Recycler: {
		Role:     Recycler,
		MaxTurns: 0,
		Worktree: WorktreeNone,
	},
	ProductManager: {
		Role:         ProductManager,
		AllowedTools: []string{"read", "grep", "glob"},
		MaxTurns:     40,
		Worktree:     WorktreeAgent,
	},
	Proposer: {
		Role:         Proposer,
		AllowedTools: []string{"read", "write", "edit", "bash", "grep", "glob"},
		MaxTurns:     60,
		Worktree:     WorktreeAgent,
	},
}

// Parse validates a role tag from config. blueprint names the agent
// for the error message.
func Parse(blueprint, s string) (Role, error) {
	r := Role(s)
	if _, ok := descriptors[r]; !ok {
		return "", errors.ErrUnknownRole(blueprint, s)
	}
	return r, nil
}

// Describe returns the descriptor for a known role.
func Describe(r Role) (Descriptor, bool) {
	d, ok := descriptors[r]
	return d, ok
}

// Claims reports whether the role claims tasks at all.
func (r Role) Claims() bool {
	d, ok := descriptors[r]
	return ok && len(d.ClaimQueues) > 0
}

// All returns the known role tags in stable order.
func All() []Role {
	roles := make([]Role, 0, len(descriptors))
	for r := range descriptors {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}
