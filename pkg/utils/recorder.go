package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// LogRecorder captures JSON log entries written by a StructuredLogger.
// Intended for tests that assert on what a component logged.
type LogRecorder struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	entries []LogEntry
}

// NewRecordingLogger returns a JSON logger at level whose output is captured by the
// returned recorder.
func NewRecordingLogger(level LogLevel) (*StructuredLogger, *LogRecorder) {
	rec := &LogRecorder{}
	logger, _ := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: rec,
		Format: FormatJSON,
	})
	return logger, rec
}

// Write implements io.Writer. Each complete line is decoded as one entry.
func (r *LogRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.Write(p)
	for {
		line, err := r.buf.ReadBytes('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			r.buf.Reset()
			r.buf.Write(line)
			break
		}
		var entry LogEntry
		if json.Unmarshal(line, &entry) == nil {
			r.entries = append(r.entries, entry)
		}
	}
	return len(p), nil
}

// Entries returns a copy of all captured entries.
func (r *LogRecorder) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// AtLevel returns the captured entries logged at level.
func (r *LogRecorder) AtLevel(level LogLevel) []LogEntry {
	var out []LogEntry
	for _, e := range r.Entries() {
		if e.Level == level.String() {
			out = append(out, e)
		}
	}
	return out
}

// Contains reports whether any entry at level has a message containing substr.
func (r *LogRecorder) Contains(level LogLevel, substr string) bool {
	for _, e := range r.AtLevel(level) {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

// Reset drops all captured entries.
func (r *LogRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.buf.Reset()
}
