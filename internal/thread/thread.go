// Package thread is the append-only per-task message log. Rejection
// feedback, escalations, and notes land here as JSONL so the task
// brief itself is never rewritten.
package thread

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/randalmurphal/drover/internal/config"
)

// Role classifies a thread message.
type Role string

const (
	RoleInstruction Role = "instruction"
	RoleRejection   Role = "rejection"
	RoleNote        Role = "note"
	RoleEscalation  Role = "escalation"
)

// Message is one line in a task's thread file.
type Message struct {
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Log reads and appends thread files under shared/threads/.
type Log struct {
	paths config.Paths
}

func New(paths config.Paths) *Log {
	return &Log{paths: paths}
}

// Append writes one message to the task's thread file, creating the
// directory and file as needed.
func (l *Log) Append(taskID, author string, role Role, content string) error {
	msg := Message{
		TaskID:    taskID,
		Author:    author,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	path := l.paths.ThreadFile(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create threads directory: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal thread message: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open thread file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append thread message: %w", err)
	}
	return nil
}

// Messages returns the task's thread in append order. A missing file
// is an empty thread. Lines that do not parse are skipped so a partial
// write never poisons the whole thread.
func (l *Log) Messages(taskID string, roles ...Role) ([]Message, error) {
	f, err := os.Open(l.paths.ThreadFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open thread file: %w", err)
	}
	defer f.Close()

	var msgs []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if len(roles) > 0 && !roleIn(msg.Role, roles) {
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read thread file: %w", err)
	}
	return msgs, nil
}

// LatestRejection returns the most recent rejection message, or nil.
func (l *Log) LatestRejection(taskID string) (*Message, error) {
	msgs, err := l.Messages(taskID, RoleRejection)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[len(msgs)-1], nil
}

// Delete removes the task's thread file. Called when a task is
// accepted and its feedback history is no longer needed.
func (l *Log) Delete(taskID string) error {
	err := os.Remove(l.paths.ThreadFile(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete thread file: %w", err)
	}
	return nil
}

func roleIn(r Role, roles []Role) bool {
	for _, candidate := range roles {
		if r == candidate {
			return true
		}
	}
	return false
}
