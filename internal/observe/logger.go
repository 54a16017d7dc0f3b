// Package observe is the observability boundary of the core: it builds
// the process logger and emits structured events for admission decisions,
// circuit-breaker transitions and per-turn outcomes.
//
// Events never carry raw user content. Use Fingerprint when a log line
// needs to correlate content across services.
package observe

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// NewLogger builds a slog.Logger writing JSON (default) or text to w at
// the named level ("debug", "info", "warn", "error").
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
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

// Fingerprint returns a short, stable, non-reversible digest of content
// suitable for logs.
func Fingerprint(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
