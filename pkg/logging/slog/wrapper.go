package slog

import (
	"context"
	"log/slog"

	"github.com/butter-bot-machines/corral/pkg/logging"
)

// LoggerWrapper wraps slog.Logger to implement logging.Logger
type LoggerWrapper struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewLogger creates a logger from the given options
func NewLogger(opts *logging.Options) logging.Logger {
	if opts == nil {
		opts = &logging.Options{Level: logging.LevelInfo}
	}
	lv := new(slog.LevelVar)
	lv.Set(logging.ToSlog(opts.Level))

	return &LoggerWrapper{
		logger: slog.New(logging.NewHandler(opts, lv)),
		level:  lv,
	}
}

// NewLoggerWrapper wraps an existing slog logger
func NewLoggerWrapper(logger *slog.Logger, level *slog.LevelVar) *LoggerWrapper {
	if level == nil {
		level = new(slog.LevelVar)
	}
	return &LoggerWrapper{
		logger: logger,
		level:  level,
	}
}

// Slog returns the underlying slog logger
func (l *LoggerWrapper) Slog() *slog.Logger {
	return l.logger
}

// GetLevel returns the current log level
func (l *LoggerWrapper) GetLevel() logging.Level {
	return levelFromSlog(l.level.Level())
}

// SetLevel sets the log level for this logger and every logger derived
// from it
func (l *LoggerWrapper) SetLevel(level logging.Level) {
	l.level.Set(logging.ToSlog(level))
}

// With returns a new logger with the given attributes
func (l *LoggerWrapper) With(args ...interface{}) logging.Logger {
	return &LoggerWrapper{
		logger: l.logger.With(pairs(args)...),
		level:  l.level,
	}
}

// WithGroup returns a new logger with the given group
func (l *LoggerWrapper) WithGroup(name string) logging.Logger {
	return &LoggerWrapper{
		logger: l.logger.WithGroup(name),
		level:  l.level,
	}
}

// Debug logs a debug message
func (l *LoggerWrapper) Debug(msg string, args ...interface{}) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs an info message
func (l *LoggerWrapper) Info(msg string, args ...interface{}) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *LoggerWrapper) Warn(msg string, args ...interface{}) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs an error message
func (l *LoggerWrapper) Error(msg string, args ...interface{}) {
	l.log(slog.LevelError, msg, args...)
}

func (l *LoggerWrapper) log(level slog.Level, msg string, args ...interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, msg, pairs(args)...)
}

// pairs pads odd argument lists so a dangling key is still visible
func pairs(args []interface{}) []any {
	if len(args)%2 != 0 {
		args = append(args, "MISSING_VALUE")
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		out = append(out, slog.Any(key, args[i+1]))
	}
	return out
}

func levelFromSlog(level slog.Level) logging.Level {
	switch {
	case level <= slog.LevelDebug:
		return logging.LevelDebug
	case level <= slog.LevelInfo:
		return logging.LevelInfo
	case level <= slog.LevelWarn:
		return logging.LevelWarn
	default:
		return logging.LevelError
	}
}
