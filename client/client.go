// Package client implements the single-connection transport client.
//
// A Client connects to a server, optionally announces its session id as a
// bare line, then exchanges framed commands. It either runs a receive loop
// (Run) dispatching every command to a handler until Exit, or is polled
// one frame at a time (Poll) from a host event loop.
//
// Run, Poll and read-mode LineFiles share the connection reader; a lock
// keeps each frame or line read whole when they run concurrently.
// SendCommand is safe for concurrent use.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pithecene-io/tether/dispatch"
	"github.com/pithecene-io/tether/iox"
	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/metrics"
	"github.com/pithecene-io/tether/types"
)

// DefaultMaxFailures is the number of consecutive read failures the run
// loop tolerates. The loop ends when the counter exceeds it.
const DefaultMaxFailures = 10

// pollInterval bounds the non-blocking readiness check.
const pollInterval = time.Millisecond

var (
	// ErrTooManyFailures is returned by Run when consecutive read failures
	// exceed MaxFailures.
	ErrTooManyFailures = errors.New("too many consecutive read failures")
	// ErrExitRequested is returned by WaitFor when the peer sent Exit.
	ErrExitRequested = errors.New("peer requested exit")
	// ErrClosed is returned for operations on a closed client.
	ErrClosed = errors.New("client closed")
)

// aLongTimeAgo is a read deadline that has already passed.
var aLongTimeAgo = time.Unix(1, 0)

// Options configures a Client.
type Options struct {
	// Handler receives every decoded command except Exit. Nil drops them.
	Handler dispatch.Handler
	// MaxFailures is the consecutive read failure bound for Run.
	// Zero means DefaultMaxFailures.
	MaxFailures int
	// DialTimeout bounds a single connection attempt. Zero means no bound.
	DialTimeout time.Duration
	// DialRetry is the total time Dial keeps retrying a refused connection.
	// Zero means a single attempt.
	DialRetry time.Duration
	// Logger defaults to a no-op logger.
	Logger *log.Logger
	// Metrics may be nil.
	Metrics *metrics.Collector
}

func (o *Options) applyDefaults() {
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.Logger == nil {
		o.Logger = log.NewNop()
	}
}

// Client is a connected transport client.
type Client struct {
	conn      net.Conn
	reader    *bufio.Reader
	decoder   *ipc.FrameDecoder
	writer    *ipc.FrameWriter
	sessionID string
	opts      Options
	logger    *log.Logger

	// readMu is held for each frame read and shared with LineFiles.
	readMu sync.Mutex

	exitRequested atomic.Bool
	closeOnce     sync.Once
	closed        atomic.Bool

	filesMu sync.Mutex
	files   []*LineFile
}

// Dial connects to host:port and announces sessionID when it is non-empty.
// With opts.DialRetry set, refused connections are retried with exponential
// backoff until the retry budget or ctx runs out.
func Dial(ctx context.Context, host string, port int, sessionID string, opts Options) (*Client, error) {
	opts.applyDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: opts.DialTimeout}

	dial := func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}

	var (
		conn net.Conn
		err  error
	)
	if opts.DialRetry <= 0 {
		conn, err = dial()
	} else {
		b := backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
			backoff.WithMaxElapsedTime(opts.DialRetry),
		)
		conn, err = backoff.RetryNotifyWithData(dial, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			opts.Logger.Debug("connect failed, retrying", map[string]any{
				"addr":  addr,
				"error": err.Error(),
				"wait":  wait.String(),
			})
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, err := New(conn, sessionID, opts)
	if err != nil {
		iox.DiscardClose(conn)
		return nil, err
	}
	return c, nil
}

// New wraps an established connection. If sessionID is non-empty it is
// written as a bare newline-terminated line before any frame.
func New(conn net.Conn, sessionID string, opts Options) (*Client, error) {
	opts.applyDefaults()
	reader := bufio.NewReader(conn)
	c := &Client{
		conn:      conn,
		reader:    reader,
		decoder:   ipc.NewFrameDecoder(reader),
		writer:    ipc.NewFrameWriter(conn),
		sessionID: sessionID,
		opts:      opts,
		logger:    opts.Logger.WithSession(sessionID),
	}
	if sessionID != "" {
		if err := c.writer.WriteRaw([]byte(sessionID + "\n")); err != nil {
			return nil, fmt.Errorf("failed to announce session %q: %w", sessionID, err)
		}
	}
	return c, nil
}

// SessionID returns the announced session id.
func (c *Client) SessionID() string {
	return c.sessionID
}

// ExitRequested reports whether the peer has sent Exit.
func (c *Client) ExitRequested() bool {
	return c.exitRequested.Load()
}

// SendCommand serializes and sends one command. No acknowledgement is expected.
func (c *Client) SendCommand(method string, params map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := ipc.EncodeCommand(types.NewCommand(method, params))
	if err != nil {
		return err
	}
	if err := c.writer.WriteFrame(payload); err != nil {
		c.opts.Metrics.IncSendFailures()
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.opts.Metrics.IncFramesSent()
	return nil
}

// OpenLineFile returns a LineFile sharing this client's connection.
// Writes are tunnelled as ClientOutput commands; reads consume raw lines.
func (c *Client) OpenLineFile(mode Mode, name string) *LineFile {
	f := NewLineFile(LineFileConfig{
		Conn:     c.conn,
		Reader:   c.reader,
		ReadLock: &c.readMu,
		Sender:   c.writer,
		Mode:     mode,
		Name:     name,
		Logger:   c.logger,
		Metrics:  c.opts.Metrics,
	})
	c.filesMu.Lock()
	c.files = append(c.files, f)
	c.filesMu.Unlock()
	return f
}

// RedirectStdio points os.Stdout and os.Stderr at LineFiles on this client
// so everything the process prints is tunnelled to the server. The returned
// function restores the previous files.
func (c *Client) RedirectStdio() (restore func(), err error) {
	origOut, origErr := os.Stdout, os.Stderr
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		iox.DiscardClose(outR)
		iox.DiscardClose(outW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	var wg sync.WaitGroup
	pump := func(r *os.File, f *LineFile) {
		defer wg.Done()
		_, _ = io.Copy(f, r)
	}
	wg.Add(2)
	go pump(outR, c.OpenLineFile(ModeWrite, "<stdout>"))
	go pump(errR, c.OpenLineFile(ModeWrite, "<stderr>"))

	os.Stdout, os.Stderr = outW, errW
	return func() {
		os.Stdout, os.Stderr = origOut, origErr
		iox.DiscardClose(outW)
		iox.DiscardClose(errW)
		wg.Wait()
		iox.DiscardClose(outR)
		iox.DiscardClose(errR)
	}, nil
}

// Run receives and dispatches commands until the peer sends Exit, the
// connection closes, ctx is cancelled, or consecutive failures exceed
// MaxFailures.
//
// Corrupt frames, truncated frames and malformed payloads are reported to
// the peer as a ClientException of type ProtocolError and count as
// failures. A handler error or panic is reported as a ClientException and
// ends the loop. The connection is shut down and closed on return.
//
// A clean close on a frame boundary and Exit both return nil.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	failures := 0
	for {
		c.readMu.Lock()
		cmd, err := c.readCommand(ctx, true)
		c.readMu.Unlock()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("connection closed by peer", nil)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return ErrClosed
			}
			c.reportReadError(err)
			if ipc.IsFatalFrameError(err) {
				return err
			}
			failures++
			if failures > c.opts.MaxFailures {
				return fmt.Errorf("%w: %d (last: %v)", ErrTooManyFailures, failures, err)
			}
			continue
		}

		if cmd.IsExit() {
			c.exitRequested.Store(true)
			c.logger.Debug("exit requested", nil)
			return nil
		}

		if err := c.dispatch(ctx, cmd); err != nil {
			c.reportException(err)
			return err
		}
		failures = 0
	}
}

// Poll reads at most one command.
//
// With waitMethod empty, Poll checks without blocking and returns
// immediately when nothing is pending. Otherwise it blocks until a frame
// arrives or ctx is done. A command named waitMethod has its params
// returned. Exit is recorded (see ExitRequested) and not dispatched. Any
// other command is dispatched to the handler and Poll returns nil params.
//
// Protocol faults are reported to the peer and yield nil params and nil
// error. io.EOF means the peer closed the connection.
func (c *Client) Poll(ctx context.Context, waitMethod string) (map[string]any, error) {
	c.readMu.Lock()
	cmd, err := c.pollCommand(ctx, waitMethod != "")
	c.readMu.Unlock()
	if cmd == nil && err == nil {
		return nil, nil
	}
	if err != nil {
		if isFrameError(err) {
			c.reportReadError(err)
			if ipc.IsFatalFrameError(err) {
				return nil, err
			}
			return nil, nil
		}
		return nil, err
	}

	switch {
	case cmd.IsExit():
		c.exitRequested.Store(true)
		return nil, nil
	case waitMethod != "" && cmd.Method == waitMethod:
		return cmd.Params, nil
	default:
		if err := c.dispatch(ctx, cmd); err != nil {
			c.reportException(err)
			return nil, err
		}
		return nil, nil
	}
}

// WaitFor polls until a command named method arrives, dispatching everything
// else. Returns ErrExitRequested if the peer sends Exit first.
func (c *Client) WaitFor(ctx context.Context, method string) (map[string]any, error) {
	for {
		params, err := c.Poll(ctx, method)
		if err != nil {
			return nil, err
		}
		if c.ExitRequested() {
			return nil, ErrExitRequested
		}
		if params != nil {
			return params, nil
		}
	}
}

// Close flushes open LineFiles, then shuts the connection down in both
// directions and closes it. Errors are swallowed. Safe to call repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.filesMu.Lock()
		files := c.files
		c.files = nil
		c.filesMu.Unlock()
		for _, f := range files {
			_ = f.Close()
		}
		c.closed.Store(true)
		iox.ShutdownClose(c.conn)
	})
	return nil
}

// pollCommand reads one command, first checking readiness unless block is
// set. A nil command and nil error mean nothing was pending. The caller
// holds readMu.
func (c *Client) pollCommand(ctx context.Context, block bool) (*types.Command, error) {
	if !block {
		ready, err := c.ready()
		if err != nil || !ready {
			return nil, err
		}
	}
	return c.readCommand(ctx, block)
}

// ready reports whether at least one byte is available without blocking.
func (c *Client) ready() (bool, error) {
	if c.reader.Buffered() > 0 {
		return true, nil
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pollInterval))
	_, err := c.reader.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true, nil
	}
	if isTimeout(err) {
		return false, nil
	}
	return false, err
}

// readCommand reads and decodes one frame. When block is true the read
// waits until ctx is done; otherwise the caller has already seen data.
func (c *Client) readCommand(ctx context.Context, block bool) (*types.Command, error) {
	if block {
		_ = c.conn.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = c.conn.SetReadDeadline(aLongTimeAgo)
		})
		defer stop()
	}

	payload, err := c.decoder.ReadFrame()
	if err != nil {
		if ctx.Err() != nil && isTimeout(err) {
			return nil, ctx.Err()
		}
		if ipc.IsPartialFrame(err) {
			c.opts.Metrics.IncPartialFrames()
		}
		if ipc.IsCorruptFrame(err) {
			c.opts.Metrics.IncCorruptFrames()
		}
		return nil, err
	}

	cmd, err := ipc.DecodeCommand(payload)
	if err != nil {
		c.opts.Metrics.IncMalformedPayloads()
		return nil, err
	}
	c.opts.Metrics.IncFramesReceived(cmd.Method)
	return cmd, nil
}

// panicError carries a recovered handler panic.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// handlerError carries a handler error and the stack it surfaced on.
type handlerError struct {
	err   error
	stack []byte
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

func (c *Client) dispatch(ctx context.Context, cmd *types.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	if herr := dispatch.Call(ctx, c.opts.Handler, "", cmd); herr != nil {
		return &handlerError{err: herr, stack: debug.Stack()}
	}
	return nil
}

// reportReadError sends a ProtocolError ClientException describing a read fault.
func (c *Client) reportReadError(err error) {
	exc := types.ClientException{
		Type:    types.ProtocolErrorType,
		Message: err.Error(),
	}
	var frameErr *ipc.FrameError
	if errors.As(err, &frameErr) {
		exc.Stack = frameErr.Raw
	}
	c.logger.Warn("protocol error", map[string]any{"error": err.Error()})
	c.sendException(exc)
}

// reportException sends a ClientException describing a handler fault.
func (c *Client) reportException(err error) {
	var exc types.ClientException
	var pe *panicError
	var he *handlerError
	switch {
	case errors.As(err, &pe):
		exc = types.ClientException{
			Type:    fmt.Sprintf("%T", pe.value),
			Message: fmt.Sprint(pe.value),
			Stack:   string(pe.stack),
		}
	case errors.As(err, &he):
		exc = types.ClientException{
			Type:    fmt.Sprintf("%T", he.err),
			Message: he.err.Error(),
			Stack:   string(he.stack),
		}
	default:
		exc = types.ClientException{
			Type:    fmt.Sprintf("%T", err),
			Message: err.Error(),
		}
	}
	c.logger.Error("unhandled fault in dispatch", map[string]any{
		"type":    exc.Type,
		"message": exc.Message,
	})
	c.sendException(exc)
}

func (c *Client) sendException(exc types.ClientException) {
	if err := c.SendCommand(types.MethodClientException, exc.Params()); err != nil {
		c.logger.Debug("failed to report exception", map[string]any{"error": err.Error()})
	}
}

func isFrameError(err error) bool {
	var frameErr *ipc.FrameError
	return errors.As(err, &frameErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
