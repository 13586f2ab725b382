// Package review is the feedback loop between gatekeepers and agents.
// Feedback travels as thread messages; the brief stays pristine, and
// the next attempt sees both in chronological order.
package review

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/randalmurphal/drover/internal/lifecycle"
	"github.com/randalmurphal/drover/internal/task"
	"github.com/randalmurphal/drover/internal/thread"
)

// Verdict is a gatekeeper's decision on a provisional task.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Decision carries one review outcome.
type Decision struct {
	Verdict    Verdict
	Reason     string // required for reject
	ReviewedBy string
}

// Apply routes a decision through the lifecycle controller.
func Apply(ctx context.Context, ctl *lifecycle.Controller, t *task.Task, d Decision) (*task.Task, error) {
	switch d.Verdict {
	case VerdictAccept:
		return ctl.Accept(ctx, t.ID, d.ReviewedBy, t.Version)
	case VerdictReject:
		if d.Reason == "" {
			return nil, fmt.Errorf("reject requires a reason")
		}
		return ctl.Reject(ctx, t.ID, d.Reason, d.ReviewedBy, t.Version)
	default:
		return nil, fmt.Errorf("unknown verdict %q", d.Verdict)
	}
}

// AgentContext is everything the next attempt gets to see.
type AgentContext struct {
	Brief    string
	Messages []thread.Message
}

// Load reads the brief and thread for a task. A missing brief file is
// an empty brief, not an error; the thread may still carry the story.
func Load(threads *thread.Log, t *task.Task) (*AgentContext, error) {
	ac := &AgentContext{}
	if t.FilePath != "" {
		if data, err := os.ReadFile(t.FilePath); err == nil {
			ac.Brief = string(data)
		}
	}

	msgs, err := threads.Messages(t.ID)
	if err != nil {
		return nil, err
	}
	ac.Messages = msgs
	return ac, nil
}

// Render flattens the context into the prompt text handed to the
// agent: the untouched brief first, then the thread in order.
func (ac *AgentContext) Render() string {
	var b strings.Builder
	b.WriteString(ac.Brief)

	if len(ac.Messages) > 0 {
		if !strings.HasSuffix(ac.Brief, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n## Thread\n")
		for _, m := range ac.Messages {
			fmt.Fprintf(&b, "\n[%s] %s from %s:\n%s\n",
				m.CreatedAt.Format("2006-01-02 15:04"), m.Role, m.Author, m.Content)
		}
	}
	return b.String()
}
