package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a logger with a token bucket so noisy conditions
// (a peer streaming corrupt frames) cannot flood the log. Entries dropped
// while the bucket is empty are counted and reported on the next entry
// that gets through as "suppressed".
type Limited struct {
	logger     *Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewLimited allows one entry per interval with the given burst.
func NewLimited(logger *Logger, every time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Warn logs a warning if the limiter allows it.
// Returns true if the entry was written.
func (l *Limited) Warn(message string, fields map[string]any) bool {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	if n := l.suppressed.Swap(0); n > 0 {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["suppressed"] = n
	}
	l.logger.Warn(message, fields)
	return true
}

// Suppressed returns the number of entries dropped since the last write.
func (l *Limited) Suppressed() int64 {
	return l.suppressed.Load()
}
