// Package tasklog provides the append-only per-task lifecycle journal.
// Each record is one line: a bracketed timestamp, an uppercase event
// name, then key=value pairs. The journal is local and supplementary;
// the store remains canonical.
package tasklog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Event names written to the journal.
const (
	EventCreated   = "CREATED"
	EventClaimed   = "CLAIMED"
	EventSubmitted = "SUBMITTED"
	EventRejected  = "REJECTED"
	EventAccepted  = "ACCEPTED"
	EventFailed    = "FAILED"
	EventRequeued  = "REQUEUED"
	EventRecycled  = "RECYCLED"
	EventEscalated = "ESCALATED"
)

// Record is one parsed journal line.
type Record struct {
	Time   time.Time
	Event  string
	Fields map[string]string
}

// Log writes and reads per-task journals under a directory
// (normally <state_dir>/logs/tasks).
type Log struct {
	dir string
}

// New returns a journal rooted at dir.
func New(dir string) *Log {
	return &Log{dir: dir}
}

// Path returns the journal file for a task.
func (l *Log) Path(taskID string) string {
	return filepath.Join(l.dir, fmt.Sprintf("TASK-%s.log", taskID))
}

// Append writes one event line. The file is opened in append mode and
// closed per event so concurrent appenders interleave whole lines.
func (l *Log) Append(taskID, event string, fields map[string]string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create task log dir: %w", err)
	}

	f, err := os.OpenFile(l.Path(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open task log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(time.Now().UTC(), event, fields)); err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// FormatLine renders one journal line including the trailing newline.
// Keys are emitted in sorted order so lines are deterministic.
func FormatLine(ts time.Time, event string, fields map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", ts.Format("2006-01-02T15:04:05Z07:00"), strings.ToUpper(event))

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, quoteValue(fields[k]))
	}
	sb.WriteString("\n")
	return sb.String()
}

// quoteValue double-quotes values containing whitespace or '='.
func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t=\"") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

// Events returns the records for a task, optionally filtered by event
// name. A missing journal reads as empty.
func (l *Log) Events(taskID string, filter ...string) ([]Record, error) {
	f, err := os.Open(l.Path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open task log: %w", err)
	}
	defer f.Close()

	want := make(map[string]bool, len(filter))
	for _, e := range filter {
		want[strings.ToUpper(e)] = true
	}

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, ok := ParseLine(scanner.Text())
		if !ok {
			continue // tolerate partial or foreign lines
		}
		if len(want) > 0 && !want[rec.Event] {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read task log: %w", err)
	}
	return records, nil
}

// ClaimCount returns the number of CLAIMED events for a task. This is
// the journal-side counterpart of the task's attempt_count.
func (l *Log) ClaimCount(taskID string) (int, error) {
	recs, err := l.Events(taskID, EventClaimed)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// ClaimTimes returns the first and last CLAIMED timestamps. The zero
// time is returned for a task never claimed.
func (l *Log) ClaimTimes(taskID string) (first, last time.Time, err error) {
	recs, err := l.Events(taskID, EventClaimed)
	if err != nil || len(recs) == 0 {
		return time.Time{}, time.Time{}, err
	}
	return recs[0].Time, recs[len(recs)-1].Time, nil
}

// ParseLine parses one journal line. Returns ok=false for lines that
// do not match the format.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Record{}, false
	}
	end := strings.Index(line, "]")
	if end < 0 {
		return Record{}, false
	}

	ts, err := time.Parse("2006-01-02T15:04:05Z07:00", line[1:end])
	if err != nil {
		return Record{}, false
	}

	rest := strings.TrimSpace(line[end+1:])
	if rest == "" {
		return Record{}, false
	}

	event, rest, _ := cutSpace(rest)
	rec := Record{Time: ts, Event: event, Fields: make(map[string]string)}

	for rest != "" {
		var tok string
		tok, rest = nextToken(rest)
		if tok == "" {
			break
		}
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		rec.Fields[k] = v
	}
	return rec, true
}

// cutSpace splits on the first run of spaces.
func cutSpace(s string) (head, tail string, found bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " "), true
}

// nextToken consumes one key=value token, honoring double-quoted values.
func nextToken(s string) (tok, rest string) {
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		head, tail, _ := cutSpace(s)
		return head, tail
	}
	key := s[:eq]
	val := s[eq+1:]

	if strings.HasPrefix(val, `"`) {
		// find closing quote, honoring \" escapes
		for i := 1; i < len(val); i++ {
			if val[i] == '\\' {
				i++
				continue
			}
			if val[i] == '"' {
				unq := val[1:i]
				unq = strings.ReplaceAll(unq, `\"`, `"`)
				unq = strings.ReplaceAll(unq, `\\`, `\`)
				return key + "=" + unq, strings.TrimLeft(val[i+1:], " ")
			}
		}
		return key + "=" + strings.Trim(val, `"`), ""
	}

	head, tail, _ := cutSpace(val)
	return key + "=" + head, tail
}
