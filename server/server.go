// Package server implements the tether transport server.
//
// A Server listens for client connections, optionally demultiplexes them by
// session id, assembles and verifies frames per connection and dispatches
// decoded commands to a handler. It also supervises client subprocesses:
// StartClient spawns a client and waits (bounded) for it to connect back,
// StopClient asks it to exit and reaps it.
//
// Each connection is served by its own goroutine. Commands of one session
// reach the handler in arrival order; different sessions are dispatched
// concurrently.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/dispatch"
	"github.com/pithecene-io/tether/iox"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/transcript"
	"github.com/pithecene-io/tether/types"
)

var (
	// ErrUnknownSession is returned when no connection or process exists
	// for a session id.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNotListening is returned by operations that need a bound listener.
	ErrNotListening = errors.New("server is not listening")
	// ErrServerClosed is returned after Close.
	ErrServerClosed = errors.New("server closed")
)

// acceptRetryDelay is the pause after a transient Accept failure.
const acceptRetryDelay = 50 * time.Millisecond

// Server is the transport server.
type Server struct {
	cfg        Config
	logger     *log.Logger
	corruptLog *log.Limited

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	advertise string
	port      int
	sessions  map[string]*conn
	conns     map[*conn]struct{}
	procs     map[string]*process
	closed    bool

	connWG sync.WaitGroup
	procWG sync.WaitGroup
}

// New creates a server. Call Listen to start accepting connections.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		corruptLog: log.NewLimited(cfg.Logger, DefaultCorruptLogInterval, 1),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*conn),
		conns:      make(map[*conn]struct{}),
		procs:      make(map[string]*process),
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Multiplexed reports whether connections are keyed by session id.
func (s *Server) Multiplexed() bool {
	return s.cfg.Multiplex
}

// Listen binds to bind (a bind mode or a literal IP) and port, and starts
// accepting connections in the background. Port 0 picks an ephemeral port.
func (s *Server) Listen(bind string, port int) error {
	addr, err := resolveBind(bind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return errors.New("server is already listening")
	}

	ln, err := net.Listen(addr.network, net.JoinHostPort(addr.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", net.JoinHostPort(addr.host, strconv.Itoa(port)), err)
	}
	s.listener = ln
	s.advertise = addr.advertise
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.logger.Info("listening", map[string]any{
		"addr":      ln.Addr().String(),
		"multiplex": s.cfg.Multiplex,
	})

	s.connWG.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Host returns the host spawned clients are told to connect to.
func (s *Server) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertise
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ActiveSessionIDs returns the connected session ids in sorted order.
// Non-multiplexed servers have no session ids and return an empty slice.
func (s *Server) ActiveSessionIDs() []string {
	if !s.cfg.Multiplex {
		return []string{}
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Connected reports whether sessionID currently has a connection.
func (s *Server) Connected(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

// SendCommand sends one command to the connection of sessionID (the sole
// connection when not multiplexed). With flush the frame is written to the
// socket before SendCommand returns; otherwise it is flushed shortly after
// by the connection's background flusher.
func (s *Server) SendCommand(method string, params map[string]any, sessionID string, flush bool) error {
	c := s.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	return c.sendCommand(types.NewCommand(method, params), flush)
}

// Broadcast sends one command to every connected session. Every session is
// attempted; the returned error joins the individual failures.
func (s *Server) Broadcast(method string, params map[string]any, flush bool) error {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.sessions))
	for _, c := range s.sessions {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range targets {
		if err := c.sendCommand(types.NewCommand(method, params), flush); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting, closes every connection and kills client
// processes that are still running. Use StopAllClients first for an
// orderly shutdown. Close waits for connection goroutines and reapers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		iox.DiscardClose(ln)
	}
	for _, c := range conns {
		c.close()
	}
	for _, p := range procs {
		p.kill()
	}

	s.connWG.Wait()
	s.procWG.Wait()
	s.logger.Info("server closed", nil)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.connWG.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", map[string]any{"error": err.Error()})
			time.Sleep(acceptRetryDelay)
			continue
		}

		c := newConn(s, nc)
		if !s.track(c) {
			c.close()
			return
		}
		s.connWG.Add(1)
		go s.handleConn(c)
	}
}

// handleConn runs one connection from handshake to disconnect.
func (s *Server) handleConn(c *conn) {
	defer s.connWG.Done()
	defer close(c.finished)
	defer s.untrack(c)

	if s.cfg.Multiplex {
		id, err := c.readSessionLine(s.cfg.HandshakeTimeout)
		if err != nil {
			s.logger.Warn("session handshake failed", map[string]any{
				"remote_addr": c.remoteAddr(),
				"error":       err.Error(),
			})
			c.close()
			return
		}
		c.setSessionID(id)
	}

	s.register(c)
	c.serve(s.ctx)
	s.unregister(c)
	c.close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) lookup(sessionID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// register makes c the current connection of its session, replacing and
// closing any previous one.
func (s *Server) register(c *conn) {
	s.mu.Lock()
	old := s.sessions[c.sessionID]
	s.sessions[c.sessionID] = c
	p := s.procs[c.sessionID]
	if old != nil {
		old.setState(types.SessionReplaced)
	}
	s.mu.Unlock()

	c.setState(types.SessionConnected)
	if old != nil {
		old.close()
		s.cfg.Metrics.IncSessionsReplaced()
		c.logger.Info("session replaced", map[string]any{
			"remote_addr":   c.remoteAddr(),
			"replaced_addr": old.remoteAddr(),
		})
		s.notify(adapter.EventSessionReplaced, c.sessionID, func(e *adapter.SessionEvent) {
			e.RemoteAddr = old.remoteAddr()
		})
	}
	if p != nil {
		p.markConnected()
	}

	s.cfg.Metrics.IncSessionsConnected()
	c.logger.Info("session connected", map[string]any{"remote_addr": c.remoteAddr()})
	s.notify(adapter.EventSessionConnected, c.sessionID, func(e *adapter.SessionEvent) {
		e.RemoteAddr = c.remoteAddr()
	})
}

// unregister removes c from the session table if it is still the current
// connection of its session.
func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	current := s.sessions[c.sessionID] == c
	if current {
		delete(s.sessions, c.sessionID)
	}
	s.mu.Unlock()

	if c.state() == types.SessionReplaced {
		return
	}
	c.setState(types.SessionDisconnected)
	s.cfg.Metrics.IncSessionsDisconnected()
	c.logger.Info("session disconnected", map[string]any{"remote_addr": c.remoteAddr()})
	s.notify(adapter.EventSessionDisconnected, c.sessionID, func(e *adapter.SessionEvent) {
		e.RemoteAddr = c.remoteAddr()
	})
}

// dispatch hands cmd to the handler. Handler errors and panics are logged
// and never end the connection.
func (s *Server) dispatch(ctx context.Context, c *conn, cmd *types.Command) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic", map[string]any{
				"method": cmd.Method,
				"panic":  fmt.Sprint(r),
				"stack":  string(debug.Stack()),
			})
		}
	}()
	if err := dispatch.Call(ctx, s.cfg.Handler, c.sessionID, cmd); err != nil {
		c.logger.Warn("handler failed", map[string]any{
			"method": cmd.Method,
			"error":  err.Error(),
		})
	}
}

// record captures cmd in the transcript, if one is configured.
func (s *Server) record(direction transcript.Direction, sessionID string, cmd *types.Command) {
	if s.cfg.Recorder == nil {
		return
	}
	if err := s.cfg.Recorder.Record(s.ctx, transcript.NewEntry(direction, sessionID, cmd)); err != nil {
		s.logger.Debug("transcript record failed", map[string]any{
			"session_id": sessionID,
			"method":     cmd.Method,
			"error":      err.Error(),
		})
	}
}

// notify publishes a lifecycle event; fill may set optional fields.
func (s *Server) notify(eventType, sessionID string, fill func(*adapter.SessionEvent)) {
	if s.cfg.Notifier == nil {
		return
	}
	e := adapter.NewSessionEvent(types.Version, eventType, sessionID)
	if fill != nil {
		fill(e)
	}
	s.cfg.Notifier.Notify(e)
}
