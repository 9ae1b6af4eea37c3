// Package requestlog writes one access log line per proxied request.
package requestlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Entry describes one proxied request.
type Entry struct {
	Timestamp  string  `json:"timestamp"`
	ClientIP   string  `json:"client_ip"`
	Host       string  `json:"host"`
	Method     string  `json:"method"`
	Path       string  `json:"path"`
	Protocol   string  `json:"protocol"`
	Status     int     `json:"status"`
	BackendIP  string  `json:"backend_ip,omitempty"`
	SNI        string  `json:"sni,omitempty"`
	BytesIn    int64   `json:"bytes_in"`
	BytesOut   int64   `json:"bytes_out"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Writer writes access log entries in text or JSON format.
type Writer interface {
	Write(entry Entry)
}

type textWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

type jsonWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriter creates a Writer that formats entries as text or JSON.
// Unknown formats fall back to text.
func NewWriter(w io.Writer, format string) Writer {
	if format == "json" {
		return &jsonWriter{writer: w}
	}
	return &textWriter{writer: w}
}

func (t *textWriter) Write(entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s client=%s host=%s method=%s path=%q proto=%s status=%d backend=%s sni=%s bytes_in=%d bytes_out=%d duration_ms=%.2f",
		entry.Timestamp, entry.ClientIP, entry.Host, entry.Method, entry.Path, entry.Protocol, entry.Status,
		entry.BackendIP, entry.SNI, entry.BytesIn, entry.BytesOut, entry.DurationMS)
	if entry.Error != "" {
		line += fmt.Sprintf(" error=%q", entry.Error)
	}
	_, _ = t.writer.Write([]byte(line + "\n"))
}

func (j *jsonWriter) Write(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = j.writer.Write(data)
}

// FormatTimestamp returns a timestamp string for log entries.
func FormatTimestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000Z07:00")
}
