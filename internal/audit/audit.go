// Package audit keeps the per-session human-readable activity trail: an
// in-memory ring of recent entries served by the worker API, mirrored to a
// rotating append-only file. Every forward/skip/error decision lands here.
package audit

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Entry types.
const (
	TypeSystem = "system"
	TypeAuth   = "auth"
	TypeScan   = "scan"
	TypeError  = "error"
)

// ringCapacity bounds the in-memory tail, newest first.
const ringCapacity = 200

// Entry is one audit record.
type Entry struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Text string    `json:"text"`
}

// Log is a bounded newest-first ring with a file mirror.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	file    *lumberjack.Logger
}

// New creates a log writing to runtime.log under dir. An empty dir keeps
// the log memory-only (used by tests).
func New(dir string) *Log {
	l := &Log{}
	if dir != "" {
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(dir, "runtime.log"),
			MaxSize:    10, // MB
			MaxBackups: 3,
			Compress:   true,
		}
	}
	return l
}

// Push records an entry. File write failures are swallowed: the audit
// trail is best-effort and must never take the worker down.
func (l *Log) Push(entryType, text string) {
	e := Entry{
		Time: time.Now().UTC(),
		Type: entryType,
		Text: sanitize(text),
	}

	l.mu.Lock()
	l.entries = append([]Entry{e}, l.entries...)
	if len(l.entries) > ringCapacity {
		l.entries = l.entries[:ringCapacity]
	}
	file := l.file
	l.mu.Unlock()

	if file != nil {
		line := fmt.Sprintf("%s\t%s\t%s\n", e.Time.Format(time.RFC3339), e.Type, e.Text)
		_, _ = file.Write([]byte(line))
	}
}

// Pushf is Push with formatting.
func (l *Log) Pushf(entryType, format string, args ...any) {
	l.Push(entryType, fmt.Sprintf(format, args...))
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, n)
	copy(out, l.entries[:n])
	return out
}

// Close releases the file writer.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}

// sanitize flattens newlines so one entry stays one line in the file.
func sanitize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.TrimSpace(text)
}
