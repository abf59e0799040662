package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/tether/iox"
	"github.com/pithecene-io/tether/ipc"
)

// ErrRecorderClosed is returned by Record after Close.
var ErrRecorderClosed = errors.New("transcript recorder closed")

// FileRecorder appends entries to a local capture file. Each entry is one
// checksummed frame holding a msgpack-encoded Entry, so a capture can be
// replayed with the same frame decoder the transport uses.
type FileRecorder struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	fw     *ipc.FrameWriter
	closed bool
}

// OpenFile opens (or creates) a capture file for appending.
func OpenFile(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, WrapInitError(err, path)
	}
	return &FileRecorder{path: path, f: f, fw: ipc.NewFrameWriter(f)}, nil
}

// Path returns the capture file path.
func (r *FileRecorder) Path() string {
	return r.path
}

// Record appends e as one frame.
func (r *FileRecorder) Record(_ context.Context, e Entry) error {
	payload, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("failed to encode transcript entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	if err := r.fw.WriteFrame(payload); err != nil {
		return WrapWriteError(err, r.path)
	}
	return nil
}

// Close syncs and closes the capture file.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.f.Sync(); err != nil {
		iox.DiscardClose(r.f)
		return WrapWriteError(err, r.path)
	}
	return r.f.Close()
}

// Replay is the result of reading a capture.
type Replay struct {
	Entries []Entry
	// Corrupt counts frames skipped for a checksum mismatch or an
	// undecodable record.
	Corrupt int
	// Truncated is set when the capture ends mid-frame.
	Truncated bool
}

// ReadFile reads every entry of the capture at path.
func ReadFile(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer iox.DiscardClose(f)
	return ReadEntries(f)
}

// ReadEntries decodes a capture stream. Corrupt frames are skipped and
// counted; a torn final frame ends the replay with Truncated set. An
// oversized length prefix cannot be skipped and is returned as an error.
func ReadEntries(r io.Reader) (*Replay, error) {
	dec := ipc.NewFrameDecoder(r)
	out := &Replay{}
	for {
		payload, err := dec.ReadFrame()
		switch {
		case err == nil:
		case ipc.IsCorruptFrame(err):
			out.Corrupt++
			continue
		case ipc.IsPartialFrame(err):
			out.Truncated = true
			return out, nil
		case errors.Is(err, io.EOF):
			return out, nil
		default:
			return out, fmt.Errorf("failed to read transcript: %w", err)
		}

		var e Entry
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			out.Corrupt++
			continue
		}
		out.Entries = append(out.Entries, e)
	}
}
