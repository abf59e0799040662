// Package webhook posts session events to an HTTP endpoint as JSON.
//
// Each request carries the event type and session id as headers so a
// receiver can route without decoding the body. 5xx responses, 408, 429
// and network errors are retried with exponential backoff; any other 4xx
// fails at once.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/iox"
)

// Defaults applied by New.
const (
	DefaultTimeout = 10 * time.Second
	DefaultRetries = 3
)

// Request headers set on every POST.
const (
	HeaderEvent   = "X-Tether-Event"
	HeaderSession = "X-Tether-Session"
)

// Config configures the webhook adapter.
type Config struct {
	// URL is the endpoint (required).
	URL string
	// Headers are added to each request, e.g. Authorization.
	Headers map[string]string
	// Timeout bounds one request.
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// Events limits which event types are posted. Empty posts all.
	Events adapter.EventFilter
}

// Adapter posts session events.
type Adapter struct {
	cfg    Config
	client *http.Client
	policy adapter.RetryPolicy
}

// New validates cfg and creates the adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook adapter requires a URL")
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	for _, e := range cfg.Events {
		if !adapter.KnownEventType(e) {
			return nil, fmt.Errorf("webhook: unknown event type %q", e)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: adapter.RetryPolicy{Retries: cfg.Retries},
	}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retriable reports whether the request may succeed if sent again.
func (e *StatusError) Retriable() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Publish posts the event. Events outside the filter are skipped.
func (a *Adapter) Publish(ctx context.Context, event *adapter.SessionEvent) error {
	if !a.cfg.Events.Allows(event.EventType) {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	attempts, err := adapter.Retry(ctx, a.policy, func() error {
		err := a.post(ctx, event, body)
		var se *StatusError
		if errors.As(err, &se) && !se.Retriable() {
			return adapter.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("webhook: context canceled: %w", ctx.Err())
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Retriable() {
		return fmt.Errorf("webhook: non-retriable error: %w", err)
	}
	return fmt.Errorf("webhook: failed after %d attempts: %w", attempts, err)
}

func (a *Adapter) post(ctx context.Context, event *adapter.SessionEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.EventType)
	if event.SessionID != "" {
		req.Header.Set(HeaderSession, event.SessionID)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close drops idle connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

var _ adapter.Adapter = (*Adapter)(nil)
