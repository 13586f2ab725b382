package inbox

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/drover/internal/config"
)

func TestPostWritesMarkdown(t *testing.T) {
	dir := t.TempDir()
	in := New(config.NewPaths(dir))

	err := in.Post(Message{
		TaskID:    "a1b2c3d4",
		Severity:  SeverityEscalation,
		Subject:   "Task escalated after 3 rejections",
		Body:      "Last rejection: missing test.",
		CreatedAt: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	paths, err := in.List()
	if err != nil || len(paths) != 1 {
		t.Fatalf("List = %v, %v", paths, err)
	}
	if !strings.HasSuffix(paths[0], "20260801-103000-TASK-a1b2c3d4.md") {
		t.Errorf("path = %s", paths[0])
	}

	data, err := os.ReadFile(paths[0])
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{
		"# Task escalated after 3 rejections",
		"task: TASK-a1b2c3d4",
		"severity: escalation",
		"log: ",
		"TASK-a1b2c3d4.log",
		"missing test",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("message missing %q:\n%s", want, content)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	in := New(config.NewPaths(t.TempDir()))
	in.Post(Message{TaskID: "aaaa1111", Subject: "first", CreatedAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)})
	in.Post(Message{TaskID: "bbbb2222", Subject: "second", CreatedAt: time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)})

	paths, err := in.List()
	if err != nil || len(paths) != 2 {
		t.Fatalf("List = %v, %v", paths, err)
	}
	if !strings.Contains(paths[0], "bbbb2222") {
		t.Errorf("newest message should come first: %v", paths)
	}
}

func TestListMissingDir(t *testing.T) {
	in := New(config.NewPaths(t.TempDir()))
	paths, err := in.List()
	if err != nil || paths != nil {
		t.Errorf("List = %v, %v", paths, err)
	}
}
