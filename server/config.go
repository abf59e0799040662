package server

import (
	"io"
	"time"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/dispatch"
	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/metrics"
	"github.com/pithecene-io/tether/transcript"
)

// Default timeouts and limits.
const (
	DefaultHandshakeTimeout    = 3 * time.Second
	DefaultFrameReadTimeout    = 2 * time.Second
	DefaultProcessStartTimeout = 10 * time.Second
	DefaultConnectTimeout      = 30 * time.Second
	DefaultCrashGrace          = time.Second
	DefaultStopTimeout         = 5 * time.Second
	DefaultMaxPayloadSize      = ipc.DefaultMaxPayloadSize

	// DefaultCorruptLogInterval spaces corrupt-frame warnings.
	DefaultCorruptLogInterval = time.Second
	// DefaultOutputTail is how much client stderr/stdout is kept per process.
	DefaultOutputTail = 64 * 1024
)

// Config configures a Server.
type Config struct {
	// Multiplex enables session ids: every connection announces its id as a
	// bare line before the first frame. Without it the server holds a single
	// connection and a new one replaces it unconditionally.
	Multiplex bool

	// HandshakeTimeout bounds the wait for the session-id line.
	HandshakeTimeout time.Duration
	// FrameReadTimeout bounds each phase of frame assembly (header, body)
	// once the first byte of a frame has arrived.
	FrameReadTimeout time.Duration
	// ProcessStartTimeout bounds the wait for a client process to start.
	ProcessStartTimeout time.Duration
	// ConnectTimeout bounds the wait for a multiplexed client to connect back.
	ConnectTimeout time.Duration
	// CrashGrace is the immediate-crash check for non-multiplexed clients.
	CrashGrace time.Duration
	// StopTimeout bounds each wait in StopClient (disconnect, process exit).
	StopTimeout time.Duration
	// MaxPayloadSize bounds the declared frame length. Larger frames close
	// the connection.
	MaxPayloadSize uint32

	// Handler receives every decoded command except Exit. Nil drops them.
	Handler dispatch.Handler
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Metrics may be nil.
	Metrics *metrics.Collector
	// Notifier publishes lifecycle events. May be nil.
	Notifier *adapter.Notifier
	// Recorder captures inbound and outbound commands. May be nil.
	Recorder transcript.Recorder
	// ClientOutput receives the stdout and stderr of spawned clients in
	// addition to the per-process tail buffer. May be nil.
	ClientOutput io.Writer
}

// DefaultConfig returns a non-multiplexed config with default timeouts.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.FrameReadTimeout <= 0 {
		c.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if c.ProcessStartTimeout <= 0 {
		c.ProcessStartTimeout = DefaultProcessStartTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CrashGrace <= 0 {
		c.CrashGrace = DefaultCrashGrace
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxPayloadSize == 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
}
