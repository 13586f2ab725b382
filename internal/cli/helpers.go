package cli

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/randalmurphal/drover/internal/task"
)

// normalizeTaskID accepts both "a1b2c3d4" and "TASK-a1b2c3d4".
func normalizeTaskID(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "TASK-")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// titleWidth fits titles to the terminal, leaving room for the fixed
// columns. Piped output gets a generous fixed width.
func titleWidth() int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return 80
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 60 {
		return 48
	}
	return w - 60
}

var queueStyles = map[task.Queue]lipgloss.Style{
	task.QueueIncoming:          lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	task.QueueClaimed:           lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	task.QueueProvisional:       lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	task.QueueDone:              lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	task.QueueFailed:            lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	task.QueueEscalated:         lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	task.QueueNeedsContinuation: lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
}

// queueLabel colors the queue name on a terminal and leaves it plain
// when piped.
func queueLabel(q task.Queue) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return string(q)
	}
	style, ok := queueStyles[q]
	if !ok {
		return string(q)
	}
	return style.Render(string(q))
}
