package logkit

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Setup installs a default text slog handler at the requested level.
func Setup(level string) {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: l,
	})
	slog.SetDefault(slog.New(handler))
}

// Resolve returns logger, or the process default when logger is nil.
func Resolve(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Limiter rate-limits log lines per key with a one-token bucket, so a
// flood of identical drops produces at most one line per interval.
type Limiter struct {
	interval time.Duration
	mu       sync.Mutex
	buckets  map[string]*bucketState
	burst    float64
}

type bucketState struct {
	last   time.Time
	tokens float64
}

// NewLimiter creates a limiter allowing roughly one line per key per
// interval.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Limiter{
		interval: interval,
		buckets:  make(map[string]*bucketState),
		burst:    1,
	}
}

// Allow reports whether a line for key may be emitted at now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.buckets[key]
	if state == nil {
		state = &bucketState{last: now, tokens: l.burst}
		l.buckets[key] = state
	}
	elapsed := now.Sub(state.last)
	state.last = now
	if elapsed > 0 {
		state.tokens += elapsed.Seconds() / l.interval.Seconds()
		if state.tokens > l.burst {
			state.tokens = l.burst
		}
	}
	if state.tokens < 1 {
		return false
	}
	state.tokens -= 1
	return true
}
