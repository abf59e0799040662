package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/pithecene-io/tether/log"
)

// DefaultQueueSize bounds the number of events waiting to be published.
const DefaultQueueSize = 256

// DefaultPublishTimeout bounds a single Publish call made by a Notifier.
const DefaultPublishTimeout = 10 * time.Second

// Notifier publishes events asynchronously through a bounded queue so
// transport paths never block on a slow downstream. When the queue is full
// the event is dropped and logged. Publish failures are logged, never
// returned to the caller.
type Notifier struct {
	adapter Adapter
	logger  *log.Logger
	timeout time.Duration

	queue chan *SessionEvent
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewNotifier starts a notifier in front of a. A nil adapter yields a
// notifier that drops everything.
func NewNotifier(a Adapter, logger *log.Logger, queueSize int) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.NewNop()
	}
	n := &Notifier{
		adapter: a,
		logger:  logger,
		timeout: DefaultPublishTimeout,
		queue:   make(chan *SessionEvent, queueSize),
		done:    make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify enqueues an event. Returns false if it was dropped.
func (n *Notifier) Notify(event *SessionEvent) bool {
	if n == nil || n.adapter == nil || event == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	select {
	case n.queue <- event:
		return true
	default:
		n.logger.Warn("notification queue full, dropping event", map[string]any{
			"event_type": event.EventType,
			"session_id": event.SessionID,
		})
		return false
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for event := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.adapter.Publish(ctx, event)
		cancel()
		if err != nil {
			n.logger.Warn("failed to publish session event", map[string]any{
				"event_type": event.EventType,
				"session_id": event.SessionID,
				"error":      err.Error(),
			})
		}
	}
}

// Close drains queued events, waiting at most until ctx is done, then
// closes the adapter.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	select {
	case <-n.done:
	case <-ctx.Done():
		n.logger.Warn("notifier drain interrupted", map[string]any{"pending": len(n.queue)})
	}
	if n.adapter == nil {
		return nil
	}
	return n.adapter.Close()
}
