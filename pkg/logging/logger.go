package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat parses "json" or "text"; empty means JSON
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
	}
}

// Options configures the logger
type Options struct {
	// Level sets the minimum level to log
	Level Level
	// Format selects JSON or text output
	Format Format
	// AddSource adds source code information to log messages
	AddSource bool
	// Output sets the output destination (defaults to os.Stderr)
	Output io.Writer
}

// NewHandler builds the slog handler described by opts. The level is
// read through lv on every record so it can change at runtime.
func NewHandler(opts *Options, lv *slog.LevelVar) slog.Handler {
	if opts == nil {
		opts = &Options{Level: LevelInfo}
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if lv == nil {
		lv = new(slog.LevelVar)
		lv.Set(ToSlog(opts.Level))
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     lv,
		AddSource: opts.AddSource,
	}
	if opts.Format == FormatText {
		return slog.NewTextHandler(out, handlerOpts)
	}
	return slog.NewJSONHandler(out, handlerOpts)
}

// ToSlog converts our level to slog.Level
func ToSlog(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (n nopLogger) With(...interface{}) Logger { return n }
func (n nopLogger) WithGroup(string) Logger    { return n }
func (nopLogger) SetLevel(Level)               {}
func (nopLogger) GetLevel() Level              { return LevelError }
