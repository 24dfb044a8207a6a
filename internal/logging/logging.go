package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel is New with a level name: debug, info, warn (or warning) and
// error. Unknown names fall back to info.
func NewWithLevel(level string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, parseLevel(level)))
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if isSecretKey(a.Key) {
				a.Value = slog.StringValue("[redacted]")
			}
			return a
		},
	})
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

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "secret") || strings.Contains(k, "key") || strings.Contains(k, "pass")
}
