package role

import (
	"testing"

	"github.com/randalmurphal/drover/internal/errors"
	"github.com/randalmurphal/drover/internal/task"
)

func TestParseKnownRoles(t *testing.T) {
	for _, r := range All() {
		got, err := Parse("bp", string(r))
		if err != nil || got != r {
			t.Errorf("Parse(%q) = %v, %v", r, got, err)
		}
	}
}

func TestParseUnknownRole(t *testing.T) {
	_, err := Parse("impl-1", "wizard")
	if !errors.IsCode(err, errors.CodeUnknownRole) {
		t.Fatalf("expected unknown-role error, got %v", err)
	}
}

func TestDescriptorInvariants(t *testing.T) {
	for _, r := range All() {
		d, ok := Describe(r)
		if !ok {
			t.Fatalf("no descriptor for %q", r)
		}
		if d.Role != r {
			t.Errorf("descriptor role mismatch: %q vs %q", d.Role, r)
		}
		if d.Worktree == "" {
			t.Errorf("role %q has no worktree policy", r)
		}
	}
}

func TestImplementerClaimsContinuations(t *testing.T) {
	d, _ := Describe(Implementer)
	if len(d.ClaimQueues) != 2 || d.ClaimQueues[0] != task.QueueIncoming || d.ClaimQueues[1] != task.QueueNeedsContinuation {
		t.Errorf("implementer queues = %v", d.ClaimQueues)
	}
}

func TestControlPlaneRolesDoNotClaim(t *testing.T) {
	for _, r := range []Role{Rebaser, Recycler, Curator, Proposer, ProductManager} {
		if r.Claims() {
			t.Errorf("role %q must not claim tasks", r)
		}
	}
	if !Implementer.Claims() || !Gatekeeper.Claims() || !Breakdown.Claims() {
		t.Error("claiming roles misconfigured")
	}
}
