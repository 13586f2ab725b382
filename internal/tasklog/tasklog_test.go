package tasklog

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestAppendAndReadBack(t *testing.T) {
	l := New(t.TempDir())

	if err := l.Append("a1b2c3d4", EventCreated, map[string]string{"by": "alice"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append("a1b2c3d4", EventClaimed, map[string]string{"agent": "impl-1", "attempt": "1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := l.Events("a1b2c3d4")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Event != EventCreated || recs[0].Fields["by"] != "alice" {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].Fields["agent"] != "impl-1" {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestEventsFilter(t *testing.T) {
	l := New(t.TempDir())
	for _, ev := range []string{EventCreated, EventClaimed, EventRejected, EventClaimed, EventAccepted} {
		if err := l.Append("deadbeef", ev, nil); err != nil {
			t.Fatal(err)
		}
	}

	claims, err := l.Events("deadbeef", EventClaimed)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(claims) != 2 {
		t.Errorf("got %d CLAIMED records, want 2", len(claims))
	}

	n, err := l.ClaimCount("deadbeef")
	if err != nil || n != 2 {
		t.Errorf("ClaimCount = %d, %v", n, err)
	}
}

func TestMissingJournalReadsEmpty(t *testing.T) {
	l := New(t.TempDir())
	recs, err := l.Events("cafef00d")
	if err != nil {
		t.Fatalf("Events on missing file: %v", err)
	}
	if recs != nil {
		t.Errorf("got %v, want nil", recs)
	}
	n, err := l.ClaimCount("cafef00d")
	if err != nil || n != 0 {
		t.Errorf("ClaimCount = %d, %v", n, err)
	}
}

func TestQuotedValues(t *testing.T) {
	l := New(t.TempDir())
	reason := `tests failed: want "ok", got 503`
	if err := l.Append("a1b2c3d4", EventRejected, map[string]string{"reason": reason, "by": "gate-1"}); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Events("a1b2c3d4")
	if err != nil || len(recs) != 1 {
		t.Fatalf("Events = %v, %v", recs, err)
	}
	if recs[0].Fields["reason"] != reason {
		t.Errorf("reason = %q, want %q", recs[0].Fields["reason"], reason)
	}
	if recs[0].Fields["by"] != "gate-1" {
		t.Errorf("by = %q", recs[0].Fields["by"])
	}
}

func TestFormatLineDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	line := FormatLine(ts, EventClaimed, map[string]string{"b": "2", "a": "1"})
	want := "[2026-08-01T10:30:00Z] CLAIMED a=1 b=2\n"
	if line != want {
		t.Errorf("line = %q, want %q", line, want)
	}
}

func TestClaimTimes(t *testing.T) {
	l := New(t.TempDir())

	first, last, err := l.ClaimTimes("a1b2c3d4")
	if err != nil || !first.IsZero() || !last.IsZero() {
		t.Errorf("unclaimed task should give zero times, got %v %v %v", first, last, err)
	}

	// Hand-write lines with distinct timestamps.
	path := l.Path("a1b2c3d4")
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		t.Fatal(err)
	}
	lines := FormatLine(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), EventClaimed, nil) +
		FormatLine(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), EventRejected, nil) +
		FormatLine(time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC), EventClaimed, nil)
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	first, last, err = l.ClaimTimes("a1b2c3d4")
	if err != nil {
		t.Fatalf("ClaimTimes: %v", err)
	}
	if first.Hour() != 9 || last.Hour() != 11 {
		t.Errorf("first/last = %v / %v", first, last)
	}
}

func TestTolerateForeignLines(t *testing.T) {
	l := New(t.TempDir())
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "garbage line\n" +
		FormatLine(time.Now().UTC(), EventCreated, nil) +
		"[not-a-timestamp] CLAIMED\n"
	if err := os.WriteFile(l.Path("deadbeef"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Events("deadbeef")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(recs) != 1 || recs[0].Event != EventCreated {
		t.Errorf("records = %+v", recs)
	}
}

func TestPathLayout(t *testing.T) {
	l := New("/x/logs/tasks")
	if got := l.Path("a1b2c3d4"); !strings.HasSuffix(got, "TASK-a1b2c3d4.log") {
		t.Errorf("Path = %q", got)
	}
}
