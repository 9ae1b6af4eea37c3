package requestlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyWriter appends to <dir>/<prefix>-YYYY-MM-DD.log, switching files when
// the local date changes.
type DailyWriter struct {
	dir         string
	prefix      string
	now         func() time.Time
	currentDate string
	file        *os.File
	mu          sync.Mutex
}

func NewDailyWriter(dir, prefix string) (*DailyWriter, error) {
	return newDailyWriter(dir, prefix, time.Now)
}

func newDailyWriter(dir, prefix string, now func() time.Time) (*DailyWriter, error) {
	if dir == "" {
		dir = "logs"
	}
	if prefix == "" {
		prefix = "proxy-access"
	}
	writer := &DailyWriter{
		dir:    dir,
		prefix: prefix,
		now:    now,
	}
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return writer, nil
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

// Path returns the file currently written to.
func (w *DailyWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pathFor(w.currentDate)
}

func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *DailyWriter) pathFor(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, date))
}

// rotateIfNeeded must be called with w.mu held (or before w is shared).
func (w *DailyWriter) rotateIfNeeded() error {
	date := w.now().Format("2006-01-02")
	if date == w.currentDate && w.file != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(w.pathFor(date), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = file
	w.currentDate = date
	return nil
}
