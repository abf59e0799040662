package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"unicode/utf8"

	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/log"
	"github.com/pithecene-io/tether/metrics"
	"github.com/pithecene-io/tether/types"
)

// DefaultMaxWriteErrors is the number of consecutive send failures a
// LineFile tolerates before discarding its pending queue.
const DefaultMaxWriteErrors = 10

// defaultLineLimit bounds ReadLine when no limit is given.
const defaultLineLimit = 8192

// InvalidFd is returned by Fd when no descriptor is available.
const InvalidFd = -1

var (
	// ErrNotSeekable is returned by Seek, Tell and Truncate.
	ErrNotSeekable = errors.New("linefile: stream is not seekable")
	// ErrBadFileDescriptor is returned for reads and writes after Close.
	ErrBadFileDescriptor = errors.New("linefile: bad file descriptor (file is closed)")
	// ErrWrongMode is returned for a read on a write-only file or vice versa.
	ErrWrongMode = errors.New("linefile: operation not permitted by file mode")
)

// Mode is the LineFile access mode.
type Mode string

const (
	// ModeRead permits ReadLine, ReadAll, ReadRawCommand and Read.
	ModeRead Mode = "r"
	// ModeWrite permits Write, WriteString and WriteRaw.
	ModeWrite Mode = "w"
)

// FrameSender sends one framed payload. *ipc.FrameWriter implements it.
type FrameSender interface {
	WriteFrame(payload []byte) error
}

// LineFileConfig configures a LineFile.
type LineFileConfig struct {
	// Conn is the underlying socket, used only by Fd. May be nil.
	Conn net.Conn
	// Reader is the buffered connection reader. Required for ModeRead.
	Reader *bufio.Reader
	// ReadLock serializes reads with every other consumer of Reader.
	// Nil gives the file a lock of its own.
	ReadLock *sync.Mutex
	// Sender carries queued commands. Required for ModeWrite.
	Sender FrameSender
	Mode   Mode
	Name   string
	// MaxWriteErrors defaults to DefaultMaxWriteErrors.
	MaxWriteErrors int
	Logger         *log.Logger
	Metrics        *metrics.Collector
}

// LineFile is a file-like adapter over a connection for tunnelling console
// I/O. Writes are wrapped as ClientOutput commands and queued; reads are
// line oriented and never consume bytes past the line they return.
//
// Lifecycle is Open -> Closed. After Close, Close and Flush are no-ops and
// reads and writes return ErrBadFileDescriptor.
type LineFile struct {
	conn      net.Conn
	reader    *bufio.Reader
	sender    FrameSender
	mode      Mode
	name      string
	maxErrors int
	logger    *log.Logger
	metrics   *metrics.Collector

	readMu *sync.Mutex

	// mu guards the pending queue, errorCount and closed.
	mu         sync.Mutex
	pending    []string
	errorCount int
	closed     bool
}

// NewLineFile creates an open LineFile.
func NewLineFile(cfg LineFileConfig) *LineFile {
	if cfg.MaxWriteErrors <= 0 {
		cfg.MaxWriteErrors = DefaultMaxWriteErrors
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	readMu := cfg.ReadLock
	if readMu == nil {
		readMu = new(sync.Mutex)
	}
	return &LineFile{
		readMu:    readMu,
		conn:      cfg.Conn,
		reader:    cfg.Reader,
		sender:    cfg.Sender,
		mode:      cfg.Mode,
		name:      cfg.Name,
		maxErrors: cfg.MaxWriteErrors,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Name returns the file name given at construction.
func (f *LineFile) Name() string { return f.name }

// Mode returns the access mode.
func (f *LineFile) Mode() Mode { return f.mode }

// Closed reports whether Close has been called.
func (f *LineFile) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Write wraps p into a ClientOutput command, queues it and flushes.
// Bytes that are not valid UTF-8 are sent as a quoted, printable form.
// Send failures are absorbed by the queue policy and never returned.
func (f *LineFile) Write(p []byte) (int, error) {
	text := string(p)
	if !utf8.Valid(p) {
		text = strconv.Quote(text)
	}
	if _, err := f.WriteString(text); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString wraps text into a ClientOutput command, queues it and flushes.
func (f *LineFile) WriteString(text string) (int, error) {
	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	payload, err := ipc.EncodeCommand(types.NewCommand(types.MethodClientOutput, map[string]any{"text": text}))
	if err != nil {
		return 0, err
	}
	f.enqueue(string(payload))
	return len(text), nil
}

// WriteRaw queues an already-serialized command without wrapping it again
// and flushes.
func (f *LineFile) WriteRaw(serialized string) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	f.enqueue(serialized)
	return nil
}

// Flush sends pending commands in FIFO order. Each entry is removed before
// it is sent. A failed send increments the consecutive error count; when
// the count exceeds the limit the rest of the queue is discarded. A
// successful send resets the count.
func (f *LineFile) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.flushLocked()
	return nil
}

func (f *LineFile) enqueue(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, entry)
	f.flushLocked()
}

func (f *LineFile) flushLocked() {
	for len(f.pending) > 0 {
		entry := f.pending[0]
		f.pending[0] = ""
		f.pending = f.pending[1:]

		if err := f.sender.WriteFrame([]byte(entry)); err != nil {
			f.errorCount++
			f.metrics.IncSendFailures()
			if f.errorCount > f.maxErrors {
				dropped := len(f.pending)
				f.pending = nil
				f.metrics.AddQueueDrops(dropped)
				f.logger.Warn("discarding pending output", map[string]any{
					"file":    f.name,
					"dropped": dropped,
					"errors":  f.errorCount,
					"error":   err.Error(),
				})
			}
			continue
		}
		f.errorCount = 0
		f.metrics.IncFramesSent()
	}
}

// ReadLine returns at most maxBytes bytes: up to and including the next
// newline, or everything currently available when no newline is present.
// It blocks until at least one byte is available and never consumes bytes
// beyond the returned line. maxBytes <= 0 means the default limit.
// At end of stream it returns "" and io.EOF.
func (f *LineFile) ReadLine(maxBytes int) (string, error) {
	if err := f.checkReadable(); err != nil {
		return "", err
	}
	if maxBytes <= 0 {
		maxBytes = defaultLineLimit
	}

	f.readMu.Lock()
	defer f.readMu.Unlock()

	if _, err := f.reader.Peek(1); err != nil {
		return "", err
	}
	peeked, _ := f.reader.Peek(min(maxBytes, f.reader.Buffered()))

	n := len(peeked)
	if i := bytes.IndexByte(peeked, '\n'); i >= 0 {
		n = i + 1
	}

	line := make([]byte, n)
	if _, err := io.ReadFull(f.reader, line); err != nil {
		return "", err
	}
	return string(line), nil
}

// Read implements io.Reader with line granularity.
func (f *LineFile) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	line, err := f.ReadLine(len(p))
	return copy(p, line), err
}

// ReadAll reads lines until end of stream or, when sizeHint >= 0, until the
// accumulated size reaches sizeHint. A zero sizeHint reads nothing.
func (f *LineFile) ReadAll(sizeHint int) ([]string, error) {
	if err := f.checkReadable(); err != nil {
		return nil, err
	}
	if sizeHint == 0 {
		return nil, nil
	}

	var lines []string
	room := sizeHint
	for {
		limit := defaultLineLimit
		if sizeHint >= 0 {
			limit = room
		}
		line, err := f.ReadLine(limit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
		if sizeHint >= 0 {
			room -= len(line)
			if room <= 0 {
				return lines, nil
			}
		}
	}
}

// ReadRawCommand reads exactly one frame and returns its payload as text.
// A corrupt or truncated frame yields "" and a nil error; end of stream on
// a frame boundary yields "" and io.EOF.
func (f *LineFile) ReadRawCommand() (string, error) {
	if err := f.checkReadable(); err != nil {
		return "", err
	}
	f.readMu.Lock()
	defer f.readMu.Unlock()

	header := make([]byte, ipc.HeaderSize)
	if _, err := io.ReadFull(f.reader, header); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		f.metrics.IncPartialFrames()
		return "", nil
	}
	payload, err := ipc.Decode(header, f.reader)
	if err != nil {
		if ipc.IsCorruptFrame(err) {
			f.metrics.IncCorruptFrames()
		} else {
			f.metrics.IncPartialFrames()
		}
		f.logger.Debug("discarding raw command", map[string]any{"file": f.name, "error": err.Error()})
		return "", nil
	}
	return ipc.PayloadText(payload), nil
}

// Seek always fails.
func (f *LineFile) Seek(int64, int) (int64, error) { return 0, ErrNotSeekable }

// Tell always fails.
func (f *LineFile) Tell() (int64, error) { return 0, ErrNotSeekable }

// Truncate always fails.
func (f *LineFile) Truncate(int64) error { return ErrNotSeekable }

// Fd returns the socket descriptor, or InvalidFd if it is unavailable.
func (f *LineFile) Fd() int {
	sc, ok := f.conn.(syscall.Conn)
	if !ok {
		return InvalidFd
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return InvalidFd
	}
	fd := InvalidFd
	if err := raw.Control(func(p uintptr) { fd = int(p) }); err != nil {
		return InvalidFd
	}
	return fd
}

// Close flushes pending output and marks the file closed. The connection
// itself belongs to the Client and stays open.
func (f *LineFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if f.sender != nil {
		f.flushLocked()
	}
	f.closed = true
	return nil
}

func (f *LineFile) checkWritable() error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrBadFileDescriptor
	}
	if f.mode != ModeWrite || f.sender == nil {
		return ErrWrongMode
	}
	return nil
}

func (f *LineFile) checkReadable() error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrBadFileDescriptor
	}
	if f.mode != ModeRead || f.reader == nil {
		return ErrWrongMode
	}
	return nil
}
