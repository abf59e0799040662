package adapter

import (
	"context"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryInterval is the first backoff interval between publish attempts.
const DefaultRetryInterval = 500 * time.Millisecond

// RetryPolicy bounds the attempts of a single publish.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	// Interval is the initial backoff interval. Zero means DefaultRetryInterval.
	Interval time.Duration
	// Jitter randomizes intervals. Off keeps retry timing deterministic.
	Jitter bool
}

// Retry calls fn until it succeeds, returns an error marked Permanent, the
// retries run out or ctx is done. It reports how many attempts were made.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) (int, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	opts := []backoff.ExponentialBackOffOpts{backoff.WithInitialInterval(interval)}
	if !p.Jitter {
		opts = append(opts, backoff.WithRandomizationFactor(0))
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(opts...), uint64(max(p.Retries, 0)))

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fn()
	}, backoff.WithContext(b, ctx))
	return attempts, err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// EventFilter selects which event types an adapter publishes.
// An empty filter publishes everything.
type EventFilter []string

// Allows reports whether eventType passes the filter.
func (f EventFilter) Allows(eventType string) bool {
	return len(f) == 0 || slices.Contains(f, eventType)
}

// KnownEventType reports whether t is an event type the server publishes.
func KnownEventType(t string) bool {
	switch t {
	case EventSessionConnected, EventSessionReplaced, EventSessionDisconnected,
		EventClientStarted, EventClientStartFailed, EventClientException, EventClientStopped:
		return true
	}
	return false
}
