// Package metrics provides transport counters.
//
// The Collector accumulates counters for one transport endpoint (a server or
// a client). It is a leaf package with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Frames
	FramesSent        int64
	FramesReceived    int64
	CorruptFrames     int64
	PartialFrames     int64
	MalformedPayloads int64
	SendFailures      int64
	QueueDrops        int64

	// Sessions
	SessionsConnected    int64
	SessionsReplaced     int64
	SessionsDisconnected int64

	// Client processes
	ClientStartSuccess int64
	ClientStartFailure int64
	ClientExceptions   int64

	// ReceivedByMethod counts decoded inbound commands per method.
	ReceivedByMethod map[string]int64

	// Dimensions (informational, set at construction)
	Role      string
	Transport string
}

// Collector accumulates transport counters.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	framesSent        int64
	framesReceived    int64
	corruptFrames     int64
	partialFrames     int64
	malformedPayloads int64
	sendFailures      int64
	queueDrops        int64

	sessionsConnected    int64
	sessionsReplaced     int64
	sessionsDisconnected int64

	clientStartSuccess int64
	clientStartFailure int64
	clientExceptions   int64

	receivedByMethod map[string]int64

	role      string
	transport string
}

// NewCollector creates a Collector with dimension labels.
// role is "server" or "client"; transport is "plain" or "multiplexed".
func NewCollector(role, transport string) *Collector {
	return &Collector{
		receivedByMethod: make(map[string]int64),
		role:             role,
		transport:        transport,
	}
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// --- Frames ---

// IncFramesSent records a frame handed to the socket.
func (c *Collector) IncFramesSent() {
	if c == nil {
		return
	}
	c.inc(&c.framesSent)
}

// IncFramesReceived records a verified, decoded inbound command.
func (c *Collector) IncFramesReceived(method string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesReceived++
	c.receivedByMethod[method]++
	c.mu.Unlock()
}

// IncCorruptFrames records a checksum mismatch.
func (c *Collector) IncCorruptFrames() {
	if c == nil {
		return
	}
	c.inc(&c.corruptFrames)
}

// IncPartialFrames records a frame abandoned mid-read.
func (c *Collector) IncPartialFrames() {
	if c == nil {
		return
	}
	c.inc(&c.partialFrames)
}

// IncMalformedPayloads records a verified frame that was not a command.
func (c *Collector) IncMalformedPayloads() {
	if c == nil {
		return
	}
	c.inc(&c.malformedPayloads)
}

// IncSendFailures records a failed socket write.
func (c *Collector) IncSendFailures() {
	if c == nil {
		return
	}
	c.inc(&c.sendFailures)
}

// AddQueueDrops records commands discarded from an output queue.
func (c *Collector) AddQueueDrops(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.queueDrops += int64(n)
	c.mu.Unlock()
}

// --- Sessions ---

// IncSessionsConnected records an accepted and handshaken connection.
func (c *Collector) IncSessionsConnected() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsConnected)
}

// IncSessionsReplaced records a connection displaced by a newer one.
func (c *Collector) IncSessionsReplaced() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsReplaced)
}

// IncSessionsDisconnected records a connection that went away.
func (c *Collector) IncSessionsDisconnected() {
	if c == nil {
		return
	}
	c.inc(&c.sessionsDisconnected)
}

// --- Client processes ---

// IncClientStartSuccess records a client process that started (and connected,
// when multiplexed).
func (c *Collector) IncClientStartSuccess() {
	if c == nil {
		return
	}
	c.inc(&c.clientStartSuccess)
}

// IncClientStartFailure records a client process that failed to start.
func (c *Collector) IncClientStartFailure() {
	if c == nil {
		return
	}
	c.inc(&c.clientStartFailure)
}

// IncClientExceptions records a ClientException reported by a peer.
func (c *Collector) IncClientExceptions() {
	if c == nil {
		return
	}
	c.inc(&c.clientExceptions)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	byMethod := make(map[string]int64, len(c.receivedByMethod))
	for k, v := range c.receivedByMethod {
		byMethod[k] = v
	}

	return Snapshot{
		FramesSent:        c.framesSent,
		FramesReceived:    c.framesReceived,
		CorruptFrames:     c.corruptFrames,
		PartialFrames:     c.partialFrames,
		MalformedPayloads: c.malformedPayloads,
		SendFailures:      c.sendFailures,
		QueueDrops:        c.queueDrops,

		SessionsConnected:    c.sessionsConnected,
		SessionsReplaced:     c.sessionsReplaced,
		SessionsDisconnected: c.sessionsDisconnected,

		ClientStartSuccess: c.clientStartSuccess,
		ClientStartFailure: c.clientStartFailure,
		ClientExceptions:   c.clientExceptions,

		ReceivedByMethod: byMethod,

		Role:      c.role,
		Transport: c.transport,
	}
}
