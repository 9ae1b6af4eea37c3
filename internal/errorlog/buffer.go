// Package errorlog keeps the most recent warning and error log lines in
// memory so the control API can report them.
package errorlog

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Entry struct {
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"` // RFC3339
	Severity  Severity `json:"severity"`
}

// Buffer is an io.Writer placed between a slog handler and its output. All
// bytes are forwarded; complete lines logged at WARN or ERROR are also kept,
// up to max entries.
type Buffer struct {
	underlying io.Writer
	max        int
	now        func() time.Time

	mu      sync.RWMutex
	entries []Entry
	partial []byte
}

func NewBuffer(w io.Writer, max int) *Buffer {
	if max <= 0 {
		max = 100
	}
	return &Buffer{
		underlying: w,
		max:        max,
		now:        time.Now,
		entries:    make([]Entry, 0, max),
	}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	lines := bytes.Split(b.partial, []byte{'\n'})
	b.partial = append(b.partial[:0], lines[len(lines)-1]...)
	for _, line := range lines[:len(lines)-1] {
		s := strings.TrimSpace(string(line))
		if sev := classify(s); sev != "" {
			b.add(s, sev)
		}
	}
	b.mu.Unlock()

	if _, err := b.underlying.Write(p); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// classify reads the level from slog text (level=WARN) or JSON ("level":"WARN") output.
func classify(line string) Severity {
	if line == "" {
		return ""
	}
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "level=error"), strings.Contains(lower, `"level":"error"`):
		return SeverityError
	case strings.Contains(lower, "level=warn"), strings.Contains(lower, `"level":"warn"`):
		return SeverityWarning
	}
	return ""
}

func (b *Buffer) add(msg string, sev Severity) {
	b.entries = append(b.entries, Entry{
		Message:   msg,
		Timestamp: b.now().UTC().Format(time.RFC3339),
		Severity:  sev,
	})
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

// Entries returns the buffered lines, oldest first.
func (b *Buffer) Entries() []Entry {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil
	}
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}
