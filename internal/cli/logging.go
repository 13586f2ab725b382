package cli

import (
	"os"
	"sync"
	"time"

	"github.com/randalmurphal/drover/internal/config"
)

// dailyWriter appends to logs/scheduler-YYYY-MM-DD.log and rolls to a
// new file when the date changes. Long-running `drover run` processes
// cross midnight; one-shot commands just append to today's file.
type dailyWriter struct {
	paths config.Paths

	mu   sync.Mutex
	day  string
	file *os.File
}

func newDailyWriter(paths config.Paths) (*dailyWriter, error) {
	if err := os.MkdirAll(paths.LogsDir(), 0755); err != nil {
		return nil, err
	}
	w := &dailyWriter{paths: paths}
	if err := w.reopen(time.Now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Format("2006-01-02") != w.day {
		if err := w.reopen(now); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}

func (w *dailyWriter) reopen(now time.Time) error {
	if w.file != nil {
		_ = w.file.Close()
	}
	f, err := os.OpenFile(w.paths.SchedulerLogFile(now), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.day = now.Format("2006-01-02")
	return nil
}
