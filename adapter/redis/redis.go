// Package redis publishes session events over Redis pub/sub.
//
// Events are JSON-encoded and PUBLISHed to a channel, optionally one channel
// per session. With StateTTL set the latest event of every session is also
// stored under a key so late subscribers can catch up.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/tether/adapter"
)

// Defaults applied by New.
const (
	DefaultChannel = "tether:session_events"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

// Config configures the Redis adapter.
type Config struct {
	// URL is redis://[:password@]host:port[/db] (required).
	URL string
	// Channel is the base channel name.
	Channel string
	// PerSession publishes to "<Channel>:<session id>" for named sessions.
	PerSession bool
	// StateTTL, when positive, keeps the last event of each session under
	// "<Channel>:state:<session id>" for this long.
	StateTTL time.Duration
	// Timeout bounds one publish attempt.
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// Events limits which event types are published. Empty publishes all.
	Events adapter.EventFilter
}

// Adapter publishes session events via Redis.
type Adapter struct {
	cfg    Config
	client *goredis.Client
	policy adapter.RetryPolicy
}

// New validates cfg and creates the adapter. No connection is made until
// the first publish.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis adapter requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	for _, e := range cfg.Events {
		if !adapter.KnownEventType(e) {
			return nil, fmt.Errorf("redis: unknown event type %q", e)
		}
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: goredis.NewClient(opts),
		policy: adapter.RetryPolicy{Retries: cfg.Retries, Jitter: true},
	}, nil
}

// ChannelFor returns the channel an event of sessionID is published to.
func (a *Adapter) ChannelFor(sessionID string) string {
	if a.cfg.PerSession && sessionID != "" {
		return a.cfg.Channel + ":" + sessionID
	}
	return a.cfg.Channel
}

// StateKey returns the key holding the last event of sessionID.
func (a *Adapter) StateKey(sessionID string) string {
	return a.cfg.Channel + ":state:" + sessionID
}

// Publish sends the event. Events outside the filter are skipped.
func (a *Adapter) Publish(ctx context.Context, event *adapter.SessionEvent) error {
	if !a.cfg.Events.Allows(event.EventType) {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}

	attempts, err := adapter.Retry(ctx, a.policy, func() error {
		err := a.send(ctx, event.SessionID, body)
		if errors.Is(err, goredis.ErrClosed) {
			return adapter.Permanent(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("redis: context canceled: %w", ctxErr)
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, err)
}

func (a *Adapter) send(ctx context.Context, sessionID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	channel := a.ChannelFor(sessionID)
	if a.cfg.StateTTL <= 0 {
		return a.client.Publish(ctx, channel, body).Err()
	}
	_, err := a.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, a.StateKey(sessionID), body, a.cfg.StateTTL)
		p.Publish(ctx, channel, body)
		return nil
	})
	return err
}

// Close closes the client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

var _ adapter.Adapter = (*Adapter)(nil)
