package testutil

import (
	"encoding/json"
	"strings"
	"testing"
)

// LogEntry represents a parsed JSON log entry
type LogEntry struct {
	Time    string
	Level   string
	Message string
	Attrs   map[string]interface{}
}

// ParseLogEntry parses a single JSON log line
func ParseLogEntry(t *testing.T, line string) LogEntry {
	t.Helper()

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &raw); err != nil {
		t.Fatalf("Failed to parse log entry %q: %v", line, err)
	}

	entry := LogEntry{Attrs: make(map[string]interface{})}
	for k, v := range raw {
		switch k {
		case "time":
			entry.Time, _ = v.(string)
		case "level":
			entry.Level, _ = v.(string)
		case "msg":
			entry.Message, _ = v.(string)
		default:
			entry.Attrs[k] = v
		}
	}
	return entry
}

// ParseLogEntries parses newline separated JSON log lines
func ParseLogEntries(t *testing.T, out string) []LogEntry {
	t.Helper()

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		entries = append(entries, ParseLogEntry(t, line))
	}
	return entries
}
