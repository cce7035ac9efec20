package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidLevel) {
				t.Errorf("error %v is not ErrInvalidLevel", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("TEXT"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(TEXT) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat('') = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestNewHandler_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewHandler(&Options{Level: LevelInfo, Output: buf}, nil))

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is Info")
	}

	logger.Info("unit started", "unit", "svc", "pid", 42)
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["msg"] != "unit started" || entry["unit"] != "svc" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewHandler_TextAndLevelVar(t *testing.T) {
	buf := &bytes.Buffer{}
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelError)
	h := NewHandler(&Options{Format: FormatText, Output: buf}, lv)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be disabled at Error level")
	}
	lv.Set(slog.LevelDebug)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("LevelVar change not observed")
	}

	slog.New(h).Warn("memory high", "rss", 10)
	if !strings.Contains(buf.String(), "msg=\"memory high\"") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestNop(t *testing.T) {
	l := Nop().With("k", "v").WithGroup("g")
	l.Info("ignored")
	if l.GetLevel() != LevelError {
		t.Error("Nop level should be Error")
	}
}
