package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/agentcom/agentcom/internal/shared"
)

// NewLogger builds the runtime logger: JSON lines to homeDir/logs/system.jsonl,
// mirrored to stdout unless quiet, with secret-bearing attributes redacted
// before they hit disk. Use NewConsoleLogger instead when attached to a
// terminal in dev mode.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactingReplaceAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

// NewConsoleLogger builds a colorized human-readable logger for interactive
// use (a developer running agentcomd attached to a terminal), falling back
// to the plain JSON logger when stdout isn't a real TTY. It still persists
// to homeDir/logs/system.jsonl so daemon and dev runs leave the same trail.
func NewConsoleLogger(homeDir, level string) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	jsonHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactingReplaceAttr,
	})

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		logger := slog.New(jsonHandler).With("component", "runtime", "trace_id", "-")
		return logger, file, nil
	}

	console := colorable.NewColorableStdout()
	tintHandler := tint.NewHandler(console, &tint.Options{
		Level:      parseLevel(level),
		TimeFormat: time.Kitchen,
	})
	multi := slog.New(fanoutHandler{primary: tintHandler, secondary: jsonHandler})
	return multi.With("component", "runtime", "trace_id", "-"), file, nil
}

// fanoutHandler writes every record to both a console handler and a durable
// JSON handler, so dev mode keeps the same on-disk trail as daemon mode.
type fanoutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level) || f.secondary.Enabled(ctx, level)
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	_ = f.secondary.Handle(ctx, r)
	return f.primary.Handle(ctx, r)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanoutHandler{primary: f.primary.WithAttrs(attrs), secondary: f.secondary.WithAttrs(attrs)}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	return fanoutHandler{primary: f.primary.WithGroup(name), secondary: f.secondary.WithGroup(name)}
}

func redactingReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
