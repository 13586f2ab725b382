package task

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Brief is the parsed form of a human-authored task brief file
// (shared/tasks/TASK-<id>.md). The body below the header block is
// opaque to the core and forwarded to the agent as-is.
type Brief struct {
	ID    string
	Title string

	Role               string
	Priority           Priority
	Branch             string
	Created            time.Time
	CreatedBy          string
	BlockedBy          string
	Project            string
	Checks             []string
	BreakdownDepth     int
	SkipPR             bool
	Expedite           bool
	WIPBranch          string
	LastAgent          string
	ContinuationReason string

	// Body is everything after the header block, including the
	// Context and Acceptance Criteria sections.
	Body string
}

// BriefFileName returns the canonical brief filename for a task ID.
func BriefFileName(id string) string {
	return fmt.Sprintf("TASK-%s.md", id)
}

// BriefPath returns the brief path under a state directory.
func BriefPath(stateDir, id string) string {
	return filepath.Join(stateDir, "shared", "tasks", BriefFileName(id))
}

var briefTitleRe = regexp.MustCompile(`^#\s*\[TASK-([0-9a-fA-F]+)\]\s*(.*)$`)

// ParseBrief parses a task brief. The first H1 must be
// "# [TASK-<id>] <title>"; header lines are KEY: value until the first
// blank-line-followed-by-section or unrecognized line.
func ParseBrief(content string) (*Brief, error) {
	lines := strings.Split(content, "\n")

	b := &Brief{Priority: PriorityP2}
	i := 0

	// Skip leading blank lines
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) {
		return nil, fmt.Errorf("empty brief")
	}

	m := briefTitleRe.FindStringSubmatch(strings.TrimSpace(lines[i]))
	if m == nil {
		return nil, fmt.Errorf("brief must start with '# [TASK-<id>] <title>', got %q", lines[i])
	}
	b.ID = strings.ToLower(m[1])
	b.Title = strings.TrimSpace(m[2])
	i++

	// Header block: KEY: value lines. Stops at the first section
	// heading or non-header line.
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			break
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !isHeaderKey(key) {
			break
		}
		b.applyHeader(key, value)
	}

	b.Body = strings.TrimLeft(strings.Join(lines[i:], "\n"), "\n")
	return b, nil
}

// headerKeys are the recognized KEY: value names in a brief header.
var headerKeys = map[string]bool{
	"ROLE": true, "PRIORITY": true, "BRANCH": true, "CREATED": true,
	"CREATED_BY": true, "BLOCKED_BY": true, "PROJECT": true, "CHECKS": true,
	"BREAKDOWN_DEPTH": true, "SKIP_PR": true, "EXPEDITE": true,
	"WIP_BRANCH": true, "LAST_AGENT": true, "CONTINUATION_REASON": true,
}

func isHeaderKey(key string) bool {
	return headerKeys[key]
}

func (b *Brief) applyHeader(key, value string) {
	switch key {
	case "ROLE":
		b.Role = value
	case "PRIORITY":
		if IsValidPriority(Priority(value)) {
			b.Priority = Priority(value)
		}
	case "BRANCH":
		b.Branch = value
	case "CREATED":
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			b.Created = ts
		}
	case "CREATED_BY":
		b.CreatedBy = value
	case "BLOCKED_BY":
		b.BlockedBy = NormalizeBlockedBy(value)
	case "PROJECT":
		b.Project = value
	case "CHECKS":
		for _, c := range strings.Split(value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				b.Checks = append(b.Checks, c)
			}
		}
	case "BREAKDOWN_DEPTH":
		if n, err := strconv.Atoi(value); err == nil {
			b.BreakdownDepth = n
		}
	case "SKIP_PR":
		b.SkipPR = parseBool(value)
	case "EXPEDITE":
		b.Expedite = parseBool(value)
	case "WIP_BRANCH":
		b.WIPBranch = value
	case "LAST_AGENT":
		b.LastAgent = value
	case "CONTINUATION_REASON":
		b.ContinuationReason = value
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	default:
		return false
	}
}

// Render produces the brief file content. The header only includes
// keys with non-default values so briefs stay readable.
func (b *Brief) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# [TASK-%s] %s\n\n", b.ID, b.Title)

	writeKV := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&sb, "%s: %s\n", key, value)
		}
	}
	writeKV("ROLE", b.Role)
	if b.Priority != "" {
		writeKV("PRIORITY", string(b.Priority))
	}
	writeKV("BRANCH", b.Branch)
	if !b.Created.IsZero() {
		writeKV("CREATED", b.Created.UTC().Format(time.RFC3339))
	}
	writeKV("CREATED_BY", b.CreatedBy)
	writeKV("BLOCKED_BY", b.BlockedBy)
	writeKV("PROJECT", b.Project)
	if len(b.Checks) > 0 {
		writeKV("CHECKS", strings.Join(b.Checks, ", "))
	}
	if b.BreakdownDepth > 0 {
		writeKV("BREAKDOWN_DEPTH", strconv.Itoa(b.BreakdownDepth))
	}
	if b.SkipPR {
		writeKV("SKIP_PR", "true")
	}
	if b.Expedite {
		writeKV("EXPEDITE", "true")
	}
	writeKV("WIP_BRANCH", b.WIPBranch)
	writeKV("LAST_AGENT", b.LastAgent)
	writeKV("CONTINUATION_REASON", b.ContinuationReason)

	if b.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(b.Body)
		if !strings.HasSuffix(b.Body, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// ToTask builds a Task from a parsed brief with the given file path.
func (b *Brief) ToTask(filePath string) *Task {
	t := New(b.ID, b.Title, b.Role)
	t.Priority = b.Priority
	t.Branch = b.Branch
	t.BlockedBy = b.BlockedBy
	t.ProjectID = b.Project
	t.Checks = b.Checks
	t.BreakdownDepth = b.BreakdownDepth
	t.Expedite = b.Expedite
	t.LastAgent = b.LastAgent
	t.ContinuationReason = b.ContinuationReason
	t.FilePath = filePath
	if !b.Created.IsZero() {
		t.CreatedAt = b.Created
		t.UpdatedAt = b.Created
	}
	return t
}
