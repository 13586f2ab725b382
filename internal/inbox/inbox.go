// Package inbox is the human-visible message drop. Every fatal
// lifecycle event lands here as one markdown file, so failures always
// manifest as either a queue change or an inbox message.
package inbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/randalmurphal/drover/internal/config"
)

// Severity tags an inbox message for the list view.
type Severity string

const (
	SeverityInfo       Severity = "info"
	SeverityEscalation Severity = "escalation"
	SeverityFailure    Severity = "failure"
)

// Message is a human-visible notification about one task.
type Message struct {
	TaskID    string
	Severity  Severity
	Subject   string
	Body      string
	LogPath   string
	CreatedAt time.Time
	Path      string
}

// Inbox writes and lists message files under shared/messages/.
type Inbox struct {
	paths config.Paths
}

func New(paths config.Paths) *Inbox {
	return &Inbox{paths: paths}
}

// Post writes one message file named <timestamp>-TASK-<id>.md. The
// body links the task log so a human can reconstruct what happened.
func (i *Inbox) Post(msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Severity == "" {
		msg.Severity = SeverityInfo
	}
	if msg.LogPath == "" && msg.TaskID != "" {
		msg.LogPath = i.paths.TaskLogFile(msg.TaskID)
	}

	dir := i.paths.Messages()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create messages directory: %w", err)
	}

	name := fmt.Sprintf("%s-TASK-%s.md", msg.CreatedAt.Format("20060102-150405"), msg.TaskID)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", msg.Subject)
	fmt.Fprintf(&b, "- task: TASK-%s\n", msg.TaskID)
	fmt.Fprintf(&b, "- severity: %s\n", msg.Severity)
	fmt.Fprintf(&b, "- at: %s\n", msg.CreatedAt.Format(time.RFC3339))
	if msg.LogPath != "" {
		fmt.Fprintf(&b, "- log: %s\n", msg.LogPath)
	}
	fmt.Fprintf(&b, "\n%s\n", msg.Body)

	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write inbox message: %w", err)
	}
	return nil
}

// List returns message file paths, newest first. The timestamp prefix
// makes lexical order chronological.
func (i *Inbox) List() ([]string, error) {
	entries, err := os.ReadDir(i.paths.Messages())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		paths = append(paths, filepath.Join(i.paths.Messages(), e.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}
