// Package logging provides structured logging with slog for clipbridge.
//
// Features:
//   - JSON and text output formats
//   - Six levels, trace through critical, adjustable at runtime
//   - Component and request-scoped loggers
//   - Sensitive data redaction
//   - Log rotation support
//   - Extra handlers fed alongside the primary output (log shipping)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// Level represents a logging level.
type Level = slog.Level

// Log levels. Trace and Critical extend slog's four.
const (
	LevelTrace    = slog.Level(-8)
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.Level(12)
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level written to the primary output.
	Level Level

	Format Format

	// Output is "stdout", "stderr", "file", "both" or "discard".
	Output string

	// FilePath is the log file used when Output includes "file".
	FilePath string

	// MaxSize is the size in megabytes that triggers rotation.
	MaxSize int64

	// MaxAge is the retention of rotated files in days.
	MaxAge int

	MaxBackups int
	Compress   bool
	AddSource  bool

	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   filepath.Join(DefaultLogDir(), "clipbridged.log"),
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   true,
		Component:  "clipbridged",
	}
}

// DefaultLogDir returns the platform-specific directory for shell logs.
func DefaultLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "clipbridge")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "ClipBridge", "logs")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "clipbridge")
	}
}

// Logger wraps slog.Logger with a runtime-adjustable level and the
// resources behind its output.
type Logger struct {
	*slog.Logger
	config  *Config
	level   *slog.LevelVar
	rotator *FileRotator
}

// New creates a Logger. Extra handlers receive every record they are
// enabled for, independent of the primary output's level.
func New(cfg *Config, extra ...slog.Handler) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg, level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, err := l.output()
	if err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:     l.level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lv, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelLabel(lv))
				}
			}
			return RedactAttr(a)
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	if len(extra) > 0 {
		handler = Fanout(append([]slog.Handler{handler}, extra...)...)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

// Discard returns a Logger that writes nowhere.
func Discard() *Logger {
	l, _ := New(&Config{Output: "discard"})
	return l
}

func (l *Logger) output() (io.Writer, error) {
	var ws []io.Writer
	addFile := func() error {
		r, err := NewFileRotator(l.config)
		if err != nil {
			return err
		}
		l.rotator = r
		ws = append(ws, r)
		return nil
	}

	switch strings.ToLower(l.config.Output) {
	case "stdout":
		ws = append(ws, os.Stdout)
	case "discard":
		ws = append(ws, io.Discard)
	case "file":
		if err := addFile(); err != nil {
			return nil, err
		}
	case "both":
		ws = append(ws, os.Stderr)
		if err := addFile(); err != nil {
			return nil, err
		}
	default:
		ws = append(ws, os.Stderr)
	}
	if len(ws) == 1 {
		return ws[0], nil
	}
	return io.MultiWriter(ws...), nil
}

// SetDefault installs l as slog's default logger.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

// SetLevel changes the primary output's level.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the primary output's current level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

func (l *Logger) derive(s *slog.Logger) *Logger {
	return &Logger{Logger: s, config: l.config, level: l.level, rotator: l.rotator}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(l.Logger.With(slog.String("component", name)))
}

// WithRequestID returns a logger tagged with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.derive(l.Logger.With(slog.String("request_id", id)))
}

// WithContext returns a logger with context-derived attributes.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		return l.WithRequestID(reqID)
	}
	return l
}

// Trace logs below debug.
func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// Critical logs above error.
func (l *Logger) Critical(msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
}

// LogFiles lists the current and rotated log files, if logging to a file.
func (l *Logger) LogFiles() ([]string, error) {
	if l.rotator == nil {
		return nil, nil
	}
	return l.rotator.GetLogFiles()
}

// Close closes any open log files.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync flushes the log file.
func (l *Logger) Sync() error {
	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

// NewRequestID returns a fresh request ID.
func NewRequestID() string {
	return uuid.NewString()
}

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a new context with the request ID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

var sensitiveKeys = []string{
	"password", "secret", "token", "key", "credential",
	"private", "auth", "cookie", "bearer",
}

// ShouldRedact reports whether an attribute key names sensitive data.
func ShouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// RedactAttr replaces the value of sensitive attributes.
func RedactAttr(a slog.Attr) slog.Attr {
	if ShouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// ParseLevel parses a string into a log level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "information":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "critical", "fatal":
		return LevelCritical, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString returns the configuration name of a level.
func LevelString(level Level) string {
	switch {
	case level <= LevelTrace:
		return "trace"
	case level <= LevelDebug:
		return "debug"
	case level <= LevelInfo:
		return "info"
	case level <= LevelWarn:
		return "warn"
	case level <= LevelError:
		return "error"
	default:
		return "critical"
	}
}

// LevelLabel returns the upper-case label written to log output.
func LevelLabel(level Level) string {
	return strings.ToUpper(LevelString(level))
}
