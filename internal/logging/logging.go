// Package logging builds the process logger and small helpers around it.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// New returns a logger writing to w. format is "json" or "text" (default);
// level is one of debug, info, warn, error (default info).
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// RateLimited drops messages logged less than interval after the previous
// one that got through.
type RateLimited struct {
	logger *slog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	now      func() time.Time
}

func NewRateLimited(logger *slog.Logger, interval time.Duration) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimited{logger: logger, interval: interval, now: time.Now}
}

// Warn logs at warn level unless suppressed. It reports whether the message
// was written.
func (l *RateLimited) Warn(msg string, args ...any) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	l.mu.Unlock()
	l.logger.Warn(msg, args...)
	return true
}
