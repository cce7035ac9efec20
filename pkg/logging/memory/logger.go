package memory

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/butter-bot-machines/corral/pkg/logging"
)

// Logger implements logging.Logger with in-memory storage. Loggers
// derived with With or WithGroup share one entry store.
type Logger struct {
	store  *store
	attrs  []interface{}
	groups []string
}

type store struct {
	mu      sync.RWMutex
	level   logging.Level
	output  io.Writer
	entries []LogEntry
}

// LogEntry represents a stored log entry
type LogEntry struct {
	Time    time.Time
	Level   logging.Level
	Message string
	Args    []interface{}
	Attrs   []interface{}
	Groups  []string
}

// Value returns the value logged under key, searching call arguments
// before inherited attributes
func (e LogEntry) Value(key string) (interface{}, bool) {
	for _, kv := range [][]interface{}{e.Args, e.Attrs} {
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok && k == key {
				return kv[i+1], true
			}
		}
	}
	return nil, false
}

// NewLogger creates a new memory logger. output may be nil.
func NewLogger(level logging.Level, output io.Writer) *Logger {
	return &Logger{
		store: &store{level: level, output: output},
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(logging.LevelDebug, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(logging.LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(logging.LevelWarn, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(logging.LevelError, msg, args...)
}

// With returns a new logger with additional attributes
func (l *Logger) With(args ...interface{}) logging.Logger {
	if len(args)%2 != 0 {
		args = append(args, "MISSING_VALUE")
	}

	attrs := make([]interface{}, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)

	return &Logger{
		store:  l.store,
		attrs:  attrs,
		groups: append([]string{}, l.groups...),
	}
}

// WithGroup returns a new logger with an additional group
func (l *Logger) WithGroup(name string) logging.Logger {
	return &Logger{
		store:  l.store,
		attrs:  append([]interface{}{}, l.attrs...),
		groups: append(append([]string{}, l.groups...), name),
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level logging.Level) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() logging.Level {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	return l.store.level
}

// GetEntries returns a copy of all stored log entries
func (l *Logger) GetEntries() []LogEntry {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	entries := make([]LogEntry, len(l.store.entries))
	copy(entries, l.store.entries)
	return entries
}

// Find returns the entries whose message contains substr
func (l *Logger) Find(substr string) []LogEntry {
	var found []LogEntry
	for _, e := range l.GetEntries() {
		if strings.Contains(e.Message, substr) {
			found = append(found, e)
		}
	}
	return found
}

// Reset drops all stored entries
func (l *Logger) Reset() {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.entries = nil
}

func (l *Logger) log(level logging.Level, msg string, args ...interface{}) {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	entry := LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Args:    args,
		Attrs:   append([]interface{}{}, l.attrs...),
		Groups:  append([]string{}, l.groups...),
	}
	s.entries = append(s.entries, entry)

	if s.output == nil {
		return
	}

	// TIME [LEVEL] [GROUP1][GROUP2]... MESSAGE key1=value1 key2=value2 ...
	var b strings.Builder
	for _, g := range l.groups {
		fmt.Fprintf(&b, "[%s]", g)
	}
	b.WriteString(msg)
	for _, kv := range [][]interface{}{l.attrs, args} {
		for i := 0; i+1 < len(kv); i += 2 {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		}
	}
	fmt.Fprintf(s.output, "%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05.000"), level, b.String())
}
