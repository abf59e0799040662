package adapter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), RetryPolicy{Retries: 3, Interval: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	attempts, err := Retry(context.Background(), RetryPolicy{Retries: 2, Interval: time.Millisecond}, func() error {
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	sentinel := errors.New("rejected")
	attempts, err := Retry(context.Background(), RetryPolicy{Retries: 5, Interval: time.Millisecond}, func() error {
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want %v", err, sentinel)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts, err := Retry(ctx, RetryPolicy{Retries: 5, Interval: time.Second}, func() error {
		return errors.New("down")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts > 1 {
		t.Errorf("attempts = %d, want at most 1", attempts)
	}
}

func TestEventFilter_Allows(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		event  string
		want   bool
	}{
		{"empty allows all", nil, EventClientStarted, true},
		{"listed", EventFilter{EventClientException}, EventClientException, true},
		{"not listed", EventFilter{EventClientException}, EventSessionConnected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Allows(tt.event); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestKnownEventType(t *testing.T) {
	if !KnownEventType(EventClientStopped) {
		t.Error("client_stopped should be known")
	}
	if KnownEventType("run_completed") {
		t.Error("run_completed should not be known")
	}
}
