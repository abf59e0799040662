// Package ipc implements the tether wire framing.
//
// Every frame is
//
//	uint32BE(length) || uint32BE(adler32(payload)) || payload
//
// A frame is accepted only when the checksum matches the received payload.
// The codec never retries; callers decide whether a corrupt frame is
// discarded (server) or reported to the peer (client).
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"sync"
)

// Frame size constants.
const (
	// HeaderSize is the size of the length + checksum header in bytes.
	HeaderSize = 8
	// DefaultMaxPayloadSize bounds the payload a decoder will allocate (64 MiB).
	DefaultMaxPayloadSize = 64 * 1024 * 1024
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated frame (peer closed or timed out mid-frame).
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a declared length above the decoder limit.
	FrameErrorTooLarge
	// FrameErrorCorrupt indicates a checksum mismatch.
	FrameErrorCorrupt
	// FrameErrorDecode indicates a payload that is not a valid command.
	FrameErrorDecode
)

// String returns the kind name.
func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorPartial:
		return "partial"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorCorrupt:
		return "corrupt"
	case FrameErrorDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
	// Raw holds the offending payload text for corrupt and malformed frames.
	Raw string
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream can no longer be trusted to be aligned
// on a frame boundary.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorTooLarge
}

// IsCorruptFrame returns true if err is a checksum mismatch.
func IsCorruptFrame(err error) bool {
	return frameErrorKind(err) == FrameErrorCorrupt
}

// IsPartialFrame returns true if err is a truncated frame.
func IsPartialFrame(err error) bool {
	return frameErrorKind(err) == FrameErrorPartial
}

// IsMalformedPayload returns true if err is a payload decode failure.
func IsMalformedPayload(err error) bool {
	return frameErrorKind(err) == FrameErrorDecode
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

func frameErrorKind(err error) FrameErrorKind {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind
	}
	return -1
}

// Header is the parsed fixed-size frame header.
type Header struct {
	Length   uint32
	Checksum uint32
}

// ParseHeader parses the 8-byte header. b must hold at least HeaderSize bytes.
func ParseHeader(b []byte) Header {
	return Header{
		Length:   binary.BigEndian.Uint32(b[0:4]),
		Checksum: binary.BigEndian.Uint32(b[4:8]),
	}
}

// Verify checks the payload against the header checksum.
func (h Header) Verify(payload []byte) error {
	if got := adler32.Checksum(payload); got != h.Checksum {
		return &FrameError{
			Kind: FrameErrorCorrupt,
			Msg:  fmt.Sprintf("checksum mismatch: header %08x, payload %08x", h.Checksum, got),
			Raw:  string(payload),
		}
	}
	return nil
}

// EncodeFrame returns length || checksum || payload. It always succeeds.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], adler32.Checksum(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode parses a header and reads exactly Length bytes from body, which may
// need several underlying reads to satisfy the request. Returns the payload,
// or a *FrameError for truncated or corrupt frames.
func Decode(header []byte, body io.Reader) ([]byte, error) {
	if len(header) < HeaderSize {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  fmt.Sprintf("short header: %d bytes", len(header)),
		}
	}
	h := ParseHeader(header)
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(body, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}
	if err := h.Verify(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameDecoder decodes checksummed frames from a stream.
type FrameDecoder struct {
	reader     io.Reader
	maxPayload uint32
}

// NewFrameDecoder creates a new frame decoder with the default payload limit.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r, maxPayload: DefaultMaxPayloadSize}
}

// WithMaxPayload sets the payload limit. Zero keeps the default.
func (d *FrameDecoder) WithMaxPayload(n uint32) *FrameDecoder {
	if n > 0 {
		d.maxPayload = n
	}
	return d
}

// ReadHeader reads and parses the next frame header.
//
// Errors:
//   - io.EOF: stream ended cleanly on a frame boundary (peer closed)
//   - *FrameError with Kind=FrameErrorPartial: header cut short
//   - *FrameError with Kind=FrameErrorTooLarge: declared length over the limit
func (d *FrameDecoder) ReadHeader() (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(d.reader, buf[:]); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read frame header",
			Err:  err,
		}
	}

	h := ParseHeader(buf[:])
	if h.Length > d.maxPayload {
		return Header{}, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", h.Length, d.maxPayload),
		}
	}
	return h, nil
}

// ReadBody reads the payload announced by h and verifies its checksum.
func (d *FrameDecoder) ReadBody(h Header) ([]byte, error) {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}
	if err := h.Verify(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrame reads a single verified frame and returns its payload.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	h, err := d.ReadHeader()
	if err != nil {
		return nil, err
	}
	return d.ReadBody(h)
}

// FrameWriter serializes whole frames onto a writer.
// Each frame is written with a single Write call under a mutex so frames
// from concurrent senders never interleave.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter creates a frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame frames and writes payload.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	frame := EncodeFrame(payload)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(frame)
	return err
}

// WriteRaw writes unframed bytes (the session-id announcement line).
func (fw *FrameWriter) WriteRaw(b []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(b)
	return err
}
