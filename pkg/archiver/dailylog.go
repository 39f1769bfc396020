package archiver

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyLog appends crawl log lines to <dir>/<YYYY-MM-DD>.log.
type DailyLog struct {
	dir string
	mu  sync.Mutex
}

// NewDailyLog returns a log writer for dir. Nothing is created until the
// first Prepare or Append.
func NewDailyLog(dir string) *DailyLog {
	return &DailyLog{dir: dir}
}

// Prepare creates the log directory.
func (d *DailyLog) Prepare() error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return nil
}

// Path returns the file that lines stamped at t go to.
func (d *DailyLog) Path(t time.Time) string {
	return filepath.Join(d.dir, t.Format("2006-01-02")+".log")
}

// Append writes line to the file for day t.
func (d *DailyLog) Append(t time.Time, line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(d.Path(t), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("write log: %w", err)
	}
	return f.Close()
}
