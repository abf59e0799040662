package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pithecene-io/tether/adapter"
	"github.com/pithecene-io/tether/types"
)

var (
	// ErrExecutableNotFound is returned when the client executable cannot be resolved.
	ErrExecutableNotFound = errors.New("client executable not found")
	// ErrStartTimeout is returned when the process does not start within ProcessStartTimeout.
	ErrStartTimeout = errors.New("client process did not start in time")
	// ErrExitedBeforeConnect is returned when the process exits before its
	// connection appears (or within the crash grace period).
	ErrExitedBeforeConnect = errors.New("client process exited before connecting")
	// ErrConnectTimeout is returned when a multiplexed client does not
	// connect within ConnectTimeout.
	ErrConnectTimeout = errors.New("client did not connect in time")
	// ErrSessionInUse is returned when a client process already runs for the session id.
	ErrSessionInUse = errors.New("a client process is already running for this session")
)

// StartResult is the outcome of StartClient.
//
// Started is false on every failure. ExitCode is -1 when the executable
// was not found, the process exit code when it exited before connecting,
// and nil when it did not start or connect in time (or started fine).
type StartResult struct {
	Started   bool
	ExitCode  *int
	PID       int
	SessionID string
}

// process is a supervised client process.
type process struct {
	sessionID string
	cmd       *exec.Cmd
	output    *tailBuffer

	connected   chan struct{}
	connectOnce sync.Once

	done     chan struct{}
	exitCode int
}

func (p *process) markConnected() {
	p.connectOnce.Do(func() { close(p.connected) })
}

// kill terminates the process. Errors (already exited) are ignored.
func (p *process) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StartClient launches a client process and waits for it to come up.
//
// The process runs as
//
//	<executable> <script> <host> <port> [<sessionID>] <args...>
//
// or, with an empty executable, as <script> <host> <port> ... directly.
// env entries are overlaid on the inherited environment.
//
// When multiplexed, StartClient waits up to ConnectTimeout for the session
// to connect and fails early if the process exits first. An empty
// sessionID is replaced by a fresh one. Without multiplexing it only checks
// that the process survives CrashGrace.
func (s *Server) StartClient(ctx context.Context, executable, script string, args []string, sessionID string, env map[string]string) (StartResult, error) {
	res, err := s.startClient(ctx, executable, script, args, sessionID, env)
	if err != nil {
		s.cfg.Metrics.IncClientStartFailure()
		s.logger.Warn("client start failed", map[string]any{
			"session_id": res.SessionID,
			"error":      err.Error(),
		})
		s.notify(adapter.EventClientStartFailed, res.SessionID, func(e *adapter.SessionEvent) {
			e.PID = res.PID
			e.ExitCode = res.ExitCode
			e.Message = err.Error()
		})
		return res, err
	}
	s.cfg.Metrics.IncClientStartSuccess()
	s.logger.Info("client started", map[string]any{
		"session_id": res.SessionID,
		"pid":        res.PID,
	})
	s.notify(adapter.EventClientStarted, res.SessionID, func(e *adapter.SessionEvent) {
		e.PID = res.PID
	})
	return res, nil
}

func (s *Server) startClient(ctx context.Context, executable, script string, args []string, sessionID string, env map[string]string) (StartResult, error) {
	if s.cfg.Multiplex && sessionID == "" {
		sessionID = NewSessionID()
	}
	if !s.cfg.Multiplex {
		sessionID = types.DefaultSessionID
	}
	res := StartResult{SessionID: sessionID}

	host, port := s.Host(), s.Port()
	if port == 0 {
		return res, ErrNotListening
	}

	name := executable
	if name == "" {
		name = script
	}
	path, err := exec.LookPath(name)
	if err != nil {
		code := -1
		res.ExitCode = &code
		return res, fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, name, err)
	}

	argv := buildArgs(executable, script, host, port, sessionID, args, s.cfg.Multiplex)
	cmd := exec.Command(path, argv...)
	if len(env) > 0 {
		cmd.Env = overlayEnv(os.Environ(), env)
	}
	p := &process{
		sessionID: sessionID,
		cmd:       cmd,
		output:    newTailBuffer(DefaultOutputTail),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	var out io.Writer = p.output
	if s.cfg.ClientOutput != nil {
		out = io.MultiWriter(p.output, s.cfg.ClientOutput)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = s.cfg.StopTimeout

	if err := s.addProcess(p); err != nil {
		return res, err
	}

	if err := s.spawn(ctx, p); err != nil {
		s.removeProcess(p)
		return res, err
	}
	res.PID = cmd.Process.Pid

	s.procWG.Add(1)
	go s.reap(p)

	if !s.cfg.Multiplex {
		select {
		case <-p.done:
			code := p.exitCode
			res.ExitCode = &code
			return res, fmt.Errorf("%w: exit code %d", ErrExitedBeforeConnect, code)
		case <-time.After(s.cfg.CrashGrace):
			res.Started = true
			return res, nil
		case <-ctx.Done():
			p.kill()
			return res, ctx.Err()
		}
	}

	timer := time.NewTimer(s.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-p.connected:
		res.Started = true
		return res, nil
	case <-p.done:
		code := p.exitCode
		res.ExitCode = &code
		return res, fmt.Errorf("%w: exit code %d", ErrExitedBeforeConnect, code)
	case <-timer.C:
		p.kill()
		return res, fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
	case <-ctx.Done():
		p.kill()
		return res, ctx.Err()
	}
}

// spawn starts p.cmd, giving up after ProcessStartTimeout. A start that
// completes after the timeout is killed.
func (s *Server) spawn(ctx context.Context, p *process) error {
	started := make(chan error, 1)
	go func() { started <- p.cmd.Start() }()

	timer := time.NewTimer(s.cfg.ProcessStartTimeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("failed to start client: %w", err)
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	go func() {
		if err := <-started; err == nil {
			p.kill()
			_ = p.cmd.Wait()
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrStartTimeout, s.cfg.ProcessStartTimeout)
}

// reap waits for the process to exit, records the exit code and drops it
// from the process table.
func (s *Server) reap(p *process) {
	defer s.procWG.Done()
	err := p.cmd.Wait()
	p.exitCode = exitCode(err)
	s.removeProcess(p)
	close(p.done)

	fields := map[string]any{
		"session_id": p.sessionID,
		"pid":        p.cmd.Process.Pid,
		"exit_code":  p.exitCode,
	}
	if p.exitCode != 0 {
		fields["output"] = p.output.String()
	}
	s.logger.Info("client exited", fields)

	code := p.exitCode
	s.notify(adapter.EventClientStopped, p.sessionID, func(e *adapter.SessionEvent) {
		e.PID = p.cmd.Process.Pid
		e.ExitCode = &code
	})
}

// StopClient sends Exit to the session, waits up to StopTimeout for it to
// disconnect, then waits up to StopTimeout for its process to exit before
// killing it. Handlers may call it for their own session with the context
// they were given; the connection is then closed without waiting for the
// serve loop.
func (s *Server) StopClient(ctx context.Context, sessionID string) error {
	c := s.lookup(sessionID)
	p := s.process(sessionID)
	if c == nil && p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}

	if c != nil {
		if err := c.sendCommand(types.NewCommand(types.MethodExit, nil), true); err != nil {
			c.logger.Debug("failed to send exit", map[string]any{"error": err.Error()})
		}
		switch {
		case servedBy(ctx, c):
			// Called from a handler on this session: its serve loop cannot
			// finish until the handler returns.
			c.close()
		case !wait(ctx, c.finished, s.cfg.StopTimeout):
			c.logger.Warn("client did not disconnect, closing connection", nil)
			c.close()
			if !wait(ctx, c.finished, s.cfg.StopTimeout) {
				c.logger.Warn("connection still draining after close", nil)
			}
		}
	}

	if p != nil && !wait(ctx, p.done, s.cfg.StopTimeout) {
		s.logger.Warn("client process did not exit, killing", map[string]any{
			"session_id": sessionID,
			"pid":        p.cmd.Process.Pid,
		})
		p.kill()
		<-p.done
	}
	return ctx.Err()
}

// StopAllClients stops every connected session and every running client
// process concurrently.
func (s *Server) StopAllClients(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions)+len(s.procs))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	for id := range s.procs {
		if _, ok := s.sessions[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	slices.Sort(ids)

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.StopClient(ctx, id); err != nil && !errors.Is(err, ErrUnknownSession) {
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ClientOutput returns the captured output tail of the session's running
// client process.
func (s *Server) ClientOutput(sessionID string) (string, bool) {
	p := s.process(sessionID)
	if p == nil {
		return "", false
	}
	return p.output.String(), true
}

func (s *Server) process(sessionID string) *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[sessionID]
}

func (s *Server) addProcess(p *process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if existing := s.procs[p.sessionID]; existing != nil && !existing.exited() {
		return fmt.Errorf("%w: %q", ErrSessionInUse, p.sessionID)
	}
	s.procs[p.sessionID] = p
	// The client may already be connected when the id is reused.
	if _, ok := s.sessions[p.sessionID]; ok && s.cfg.Multiplex {
		p.markConnected()
	}
	return nil
}

func (s *Server) removeProcess(p *process) {
	s.mu.Lock()
	if s.procs[p.sessionID] == p {
		delete(s.procs, p.sessionID)
	}
	s.mu.Unlock()
}

// buildArgs assembles the spawn contract argument list.
func buildArgs(executable, script, host string, port int, sessionID string, extra []string, multiplex bool) []string {
	argv := make([]string, 0, len(extra)+4)
	if executable != "" {
		argv = append(argv, script)
	}
	argv = append(argv, host, strconv.Itoa(port))
	if multiplex && sessionID != "" {
		argv = append(argv, sessionID)
	}
	return append(argv, extra...)
}

// overlayEnv appends overrides in key order to base and deduplicates.
func overlayEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := slices.Clone(base)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return deduplicateEnv(env)
}

// deduplicateEnv keeps the last occurrence of each env var key, so
// overrides win over inherited duplicates from os.Environ().
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}

// exitCode maps a Wait error to a process exit code. Processes killed by a
// signal and wait failures report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// wait blocks until ch is closed, d elapses or ctx is done. It reports
// whether ch was closed.
func wait(ctx context.Context, ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = slices.Delete(b.buf, 0, over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
