// Package telemetry sets up the engine's one process-wide structured
// logger: a slog.Logger writing JSON lines to logs/system.jsonl (and,
// unless quieted, also to stdout), with sensitive attribute values
// redacted before they leave the process.
package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"log/slog"

	"github.com/zkoranges/goclaw-engine/internal/shared"
)

// NewLogger opens (creating if needed) logs/system.jsonl under homeDir and
// returns a logger writing to it at the given level. quiet suppresses the
// stdout mirror, which daemon mode wants off and the CLI's one-shot
// commands want on.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logPath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(shared.Redact(a.Value.String()))
			}
			return a
		},
	})
	return slog.New(handler), file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
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
