package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/iox"
	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/transcript"
	"github.com/pithecene-io/tether/types"
)

// maxSessionLine bounds the session-id announcement, newline included.
const maxSessionLine = 1024

// errHeaderPending means a frame started but its header did not complete
// within FrameReadTimeout. Nothing was consumed.
var errHeaderPending = errors.New("frame header incomplete")

// errSessionLineTooLong is returned when the announcement exceeds maxSessionLine.
var errSessionLineTooLong = errors.New("session id line too long")

// conn is one accepted connection.
type conn struct {
	srv     *Server
	nc      net.Conn
	reader  *bufio.Reader
	decoder *ipc.FrameDecoder
	logger  *log.Logger

	sessionID string
	st        atomic.Int32

	wmu     sync.Mutex
	bw      *bufio.Writer
	flushCh chan struct{}

	// done is closed when the socket is closed; finished when the
	// connection has also left the session table.
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	reader := bufio.NewReader(nc)
	c := &conn{
		srv:      s,
		nc:       nc,
		reader:   reader,
		decoder:  ipc.NewFrameDecoder(reader).WithMaxPayload(s.cfg.MaxPayloadSize),
		logger:   s.logger,
		bw:       bufio.NewWriter(nc),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.setState(types.SessionConnecting)
	go c.flushLoop()
	return c
}

func (c *conn) setSessionID(id string) {
	c.sessionID = id
	c.logger = c.srv.logger.WithSession(id)
}

func (c *conn) state() types.SessionState {
	return types.SessionState(c.st.Load())
}

func (c *conn) setState(st types.SessionState) {
	c.st.Store(int32(st))
}

func (c *conn) remoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// close shuts the connection down. Safe to call repeatedly.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		iox.ShutdownClose(c.nc)
	})
}

// readSessionLine reads the bare session-id line sent right after connect.
// A trailing "\r" is tolerated.
func (c *conn) readSessionLine(timeout time.Duration) (string, error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxSessionLine {
			return "", errSessionLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// serve reads frames until the peer disconnects, sends Exit, the stream
// becomes unusable or ctx is cancelled.
func (c *conn) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	for {
		// Wait for the first byte of the next frame without a bound.
		_ = c.nc.SetReadDeadline(time.Time{})
		if _, err := c.reader.Peek(1); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read failed", map[string]any{"error": err.Error()})
			}
			return
		}

		payload, err := c.readFrame()
		if err != nil {
			if !c.handleReadError(err) {
				return
			}
			continue
		}

		cmd, err := ipc.DecodeCommand(payload)
		if err != nil {
			c.srv.cfg.Metrics.IncMalformedPayloads()
			fields := map[string]any{"error": err.Error()}
			var frameErr *ipc.FrameError
			if errors.As(err, &frameErr) {
				fields["raw"] = frameErr.Raw
			}
			c.logger.Warn("discarding malformed payload", fields)
			continue
		}

		c.srv.cfg.Metrics.IncFramesReceived(cmd.Method)
		c.srv.record(transcript.DirectionIn, c.sessionID, cmd)

		if cmd.IsExit() {
			c.logger.Debug("client sent exit", nil)
			return
		}
		if cmd.Method == types.MethodClientException {
			c.reportClientException(cmd)
		}
		c.srv.dispatch(context.WithValue(ctx, servingConnKey{}, c), c, cmd)
	}
}

// servingConnKey marks a handler context with the conn whose serve loop is
// running the handler.
type servingConnKey struct{}

// servedBy reports whether ctx belongs to a handler running on c.
func servedBy(ctx context.Context, c *conn) bool {
	served, _ := ctx.Value(servingConnKey{}).(*conn)
	return served == c
}

// readFrame assembles one frame. Each phase (header, body) gets
// FrameReadTimeout. A header that does not complete in time leaves the
// stream untouched and returns errHeaderPending; a body that does not
// complete in time abandons the frame as partial.
func (c *conn) readFrame() ([]byte, error) {
	timeout := c.srv.cfg.FrameReadTimeout

	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	if _, err := c.reader.Peek(ipc.HeaderSize); err != nil {
		if isTimeout(err) {
			return nil, errHeaderPending
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &ipc.FrameError{
			Kind: ipc.FrameErrorPartial,
			Msg:  "failed to read frame header",
			Err:  err,
		}
	}
	h, err := c.decoder.ReadHeader()
	if err != nil {
		return nil, err
	}

	_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
	return c.decoder.ReadBody(h)
}

// handleReadError logs and counts a frame assembly failure. It returns
// false when the connection cannot continue.
func (c *conn) handleReadError(err error) bool {
	m := c.srv.cfg.Metrics
	switch {
	case errors.Is(err, errHeaderPending):
		c.logger.Debug("frame header incomplete, waiting", nil)
		return true
	case ipc.IsCorruptFrame(err):
		m.IncCorruptFrames()
		c.srv.corruptLog.Warn("discarding corrupt frame", map[string]any{
			"session_id": c.sessionID,
			"error":      err.Error(),
		})
		return true
	case ipc.IsPartialFrame(err):
		m.IncPartialFrames()
		if isTimeout(err) {
			c.logger.Warn("frame body incomplete, discarding partial frame; stream may be misaligned", map[string]any{
				"error": err.Error(),
			})
			return true
		}
		c.logger.Debug("connection ended mid-frame", map[string]any{"error": err.Error()})
		return false
	case ipc.IsFatalFrameError(err):
		c.logger.Error("closing connection", map[string]any{"error": err.Error()})
		return false
	default:
		c.logger.Debug("read failed", map[string]any{"error": err.Error()})
		return false
	}
}

func (c *conn) reportClientException(cmd *types.Command) {
	exc := types.ClientExceptionFromParams(cmd.Params)
	c.srv.cfg.Metrics.IncClientExceptions()
	c.logger.Warn("client exception", map[string]any{
		"type":    exc.Type,
		"message": exc.Message,
	})
	c.srv.notify(adapter.EventClientException, c.sessionID, func(e *adapter.SessionEvent) {
		e.Message = exc.Type + ": " + exc.Message
	})
}

// sendCommand encodes and writes cmd.
func (c *conn) sendCommand(cmd *types.Command, flush bool) error {
	payload, err := ipc.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.write(ipc.EncodeFrame(payload), flush); err != nil {
		c.srv.cfg.Metrics.IncSendFailures()
		return fmt.Errorf("failed to send %s to session %q: %w", cmd.Method, c.sessionID, err)
	}
	c.srv.cfg.Metrics.IncFramesSent()
	c.srv.record(transcript.DirectionOut, c.sessionID, cmd)
	return nil
}

// write buffers frame. With flush it is written through immediately;
// otherwise the flusher goroutine is signalled.
func (c *conn) write(frame []byte, flush bool) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}

	c.wmu.Lock()
	_, err := c.bw.Write(frame)
	if err == nil && flush {
		err = c.bw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		return err
	}
	if !flush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *conn) flushLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.flushCh:
			c.wmu.Lock()
			err := c.bw.Flush()
			c.wmu.Unlock()
			if err != nil {
				c.logger.Debug("flush failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
