package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the minimal logging interface used across shopmesh.
// Arguments are slog-style alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Ensure guarantees a non-nil logger by substituting a NoOpLogger.
func Ensure(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// NoOpLogger discards all log messages.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, ...any) {}
func (NoOpLogger) Info(string, ...any)  {}
func (NoOpLogger) Warn(string, ...any)  {}
func (NoOpLogger) Error(string, ...any) {}

// ParseLevel accepts the names slog understands ("debug", "INFO",
// "warn+2", ...) plus "warning". An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// FileConfig enables rotating file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Level     slog.Level
	Format    string // json or text
	Output    io.Writer
	File      *FileConfig
	AddSource bool
	Component string
}

// ShopLogger is a slog logger with helpers for the shopmesh vocabulary:
// components, sessions and turns. The With* methods return derived loggers
// and never modify the receiver.
type ShopLogger struct {
	logger *slog.Logger
}

// NewLogger builds a ShopLogger writing JSON at info level to stdout unless
// configured otherwise. When a file is configured, entries go to both the
// writer and a lumberjack-rotated file.
func NewLogger(optFns ...func(o *LoggerOptions)) *ShopLogger {
	opts := LoggerOptions{
		Level:  slog.LevelInfo,
		Format: "json",
		Output: os.Stdout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	if f := opts.File; f != nil && f.Path != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   f.Path,
			MaxSize:    f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAge:     f.MaxAgeDays,
			Compress:   f.Compress,
		})
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource}
	var h slog.Handler = slog.NewJSONHandler(out, ho)
	if opts.Format == "text" {
		h = slog.NewTextHandler(out, ho)
	}

	l := FromSlog(slog.New(h))
	if opts.Component != "" {
		l = l.WithComponent(opts.Component)
	}
	return l
}

// FromSlog wraps an existing slog logger, slog.Default() when nil.
func FromSlog(l *slog.Logger) *ShopLogger {
	if l == nil {
		l = slog.Default()
	}
	return &ShopLogger{logger: l}
}

// Slog exposes the underlying slog logger.
func (l *ShopLogger) Slog() *slog.Logger { return l.logger }

// WithContext attaches one attribute to every entry of the derived logger.
func (l *ShopLogger) WithContext(key string, value any) *ShopLogger {
	return &ShopLogger{logger: l.logger.With(key, value)}
}

// WithComponent tags entries with the emitting component (router, fetch,
// engine, http, ...).
func (l *ShopLogger) WithComponent(c string) *ShopLogger {
	return &ShopLogger{logger: l.logger.With(slog.String("component", c))}
}

// WithSession tags entries with the session and turn they belong to.
func (l *ShopLogger) WithSession(sessionID, turnID string) *ShopLogger {
	attrs := make([]any, 0, 2)
	if sessionID != "" {
		attrs = append(attrs, slog.String("session_id", sessionID))
	}
	if turnID != "" {
		attrs = append(attrs, slog.String("turn_id", turnID))
	}
	return &ShopLogger{logger: l.logger.With(attrs...)}
}

func (l *ShopLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *ShopLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *ShopLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *ShopLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// LogComponent records how long a collaborator took within a turn. A
// non-empty degradation reason logs at warn level; degraded components never
// fail a turn.
func (l *ShopLogger) LogComponent(component string, dur time.Duration, degradation string) {
	attrs := []slog.Attr{slog.String("service", component), slog.Duration("duration", dur)}
	level := slog.LevelDebug
	msg := "component completed"
	if degradation != "" {
		attrs = append(attrs, slog.String("degraded", degradation))
		level = slog.LevelWarn
		msg = "component degraded"
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogTurn records the outcome of one processed turn.
func (l *ShopLogger) LogTurn(handler, source string, dur time.Duration, degraded []string, err error) {
	attrs := []slog.Attr{
		slog.String("handler", handler),
		slog.String("routing_source", source),
		slog.Duration("duration", dur),
	}
	if len(degraded) > 0 {
		attrs = append(attrs, slog.Any("degraded", degraded))
	}
	if err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelError, "turn failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "turn completed", attrs...)
}

// LogSyncRun records the counters of one synchronizer pass.
func (l *ShopLogger) LogSyncRun(proposed, applied, discarded, conflicts, failed int, dur time.Duration) {
	l.logger.LogAttrs(context.Background(), slog.LevelInfo, "pattern synchronization completed",
		slog.Group("patterns",
			slog.Int("proposed", proposed),
			slog.Int("applied", applied),
			slog.Int("discarded", discarded),
			slog.Int("conflicts", conflicts),
			slog.Int("failed", failed),
		),
		slog.Duration("duration", dur),
	)
}
