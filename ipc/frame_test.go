package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/adler32"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pithecene-io/tether/types"
)

// TestEncodeFrame_Layout validates the header layout.
func TestEncodeFrame_Layout(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","method":"Exit","params":{}}`)
	frame := EncodeFrame(payload)

	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("len(frame) = %d, want %d", len(frame), HeaderSize+len(payload))
	}
	if got := binary.BigEndian.Uint32(frame[0:4]); got != uint32(len(payload)) {
		t.Errorf("length = %d, want %d", got, len(payload))
	}
	if got := binary.BigEndian.Uint32(frame[4:8]); got != adler32.Checksum(payload) {
		t.Errorf("checksum = %08x, want %08x", got, adler32.Checksum(payload))
	}
	if !bytes.Equal(frame[HeaderSize:], payload) {
		t.Errorf("payload = %q, want %q", frame[HeaderSize:], payload)
	}
}

// TestEncodeFrame_Empty validates that an empty payload still frames.
func TestEncodeFrame_Empty(t *testing.T) {
	frame := EncodeFrame(nil)
	if len(frame) != HeaderSize {
		t.Fatalf("len(frame) = %d, want %d", len(frame), HeaderSize)
	}
	// adler32 of the empty string is 1
	if got := binary.BigEndian.Uint32(frame[4:8]); got != 1 {
		t.Errorf("checksum = %08x, want 00000001", got)
	}

	payload, err := NewFrameDecoder(bytes.NewReader(frame)).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %q, want empty", payload)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		[]byte(`{"jsonrpc":"2.0","method":"ClientOutput","params":{"text":"hello\n"}}`),
		bytes.Repeat([]byte("a"), 70000),
		{0x00, 0xff, 0x10, 0x80},
	}

	for _, p := range payloads {
		frame := EncodeFrame(p)
		got, err := Decode(frame[:HeaderSize], bytes.NewReader(frame[HeaderSize:]))
		if err != nil {
			t.Fatalf("Decode failed for %d-byte payload: %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("Decode() returned %d bytes, want %d", len(got), len(p))
		}
	}
}

// TestDecode_ShortReads validates that the body may need many reads.
func TestDecode_ShortReads(t *testing.T) {
	payload := bytes.Repeat([]byte("chunk"), 1000)
	frame := EncodeFrame(payload)

	body := iotest.OneByteReader(bytes.NewReader(frame[HeaderSize:]))
	got, err := Decode(frame[:HeaderSize], body)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch after one-byte reads")
	}
}

func TestDecode_ShortHeader(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0}, bytes.NewReader(nil))
	if !IsPartialFrame(err) {
		t.Fatalf("Decode(short header) error = %v, want partial frame", err)
	}
}

func TestDecode_TruncatedBody(t *testing.T) {
	frame := EncodeFrame([]byte("hello world"))
	_, err := Decode(frame[:HeaderSize], bytes.NewReader(frame[HeaderSize:HeaderSize+4]))
	if !IsPartialFrame(err) {
		t.Fatalf("Decode(truncated) error = %v, want partial frame", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Decode(truncated) should wrap io.ErrUnexpectedEOF, got %v", err)
	}
}

// TestDecode_SingleBitCorruption flips every bit of the payload and the
// checksum field in turn. adler32 detects all single-bit errors.
func TestDecode_SingleBitCorruption(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","method":"ResponseLine","params":{"line":42}}`)
	frame := EncodeFrame(payload)

	for i := 4; i < len(frame); i++ {
		for bit := range 8 {
			corrupted := bytes.Clone(frame)
			corrupted[i] ^= 1 << bit

			_, err := Decode(corrupted[:HeaderSize], bytes.NewReader(corrupted[HeaderSize:]))
			if !IsCorruptFrame(err) {
				t.Fatalf("byte %d bit %d: error = %v, want corrupt frame", i, bit, err)
			}
		}
	}
}

func TestDecode_CorruptCarriesRaw(t *testing.T) {
	frame := EncodeFrame([]byte("payload"))
	frame[HeaderSize] = 'P'

	_, err := Decode(frame[:HeaderSize], bytes.NewReader(frame[HeaderSize:]))

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorCorrupt {
		t.Errorf("Kind = %v, want FrameErrorCorrupt", frameErr.Kind)
	}
	if frameErr.Raw != "Payload" {
		t.Errorf("Raw = %q, want %q", frameErr.Raw, "Payload")
	}
	if frameErr.IsFatal() {
		t.Error("corrupt frames should not be fatal")
	}
}

// TestFrameDecoder_MultipleFrames validates reading back-to-back frames.
func TestFrameDecoder_MultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	methods := []string{"ClientOutput", "ResponseLine", "Exit"}
	for _, m := range methods {
		frame, err := EncodeCommandFrame(m, nil)
		if err != nil {
			t.Fatalf("EncodeCommandFrame failed: %v", err)
		}
		buf.Write(frame)
	}

	decoder := NewFrameDecoder(&buf)
	for _, want := range methods {
		payload, err := decoder.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		cmd, err := DecodeCommand(payload)
		if err != nil {
			t.Fatalf("DecodeCommand failed: %v", err)
		}
		if cmd.Method != want {
			t.Errorf("Method = %q, want %q", cmd.Method, want)
		}
	}

	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got: %v", err)
	}
}

// TestFrameDecoder_CorruptThenValid validates that a corrupt frame does not
// desynchronize the stream.
func TestFrameDecoder_CorruptThenValid(t *testing.T) {
	bad := EncodeFrame([]byte("first"))
	bad[HeaderSize+1] ^= 0x01
	good := EncodeFrame([]byte("second"))

	decoder := NewFrameDecoder(bytes.NewReader(append(bad, good...)))

	if _, err := decoder.ReadFrame(); !IsCorruptFrame(err) {
		t.Fatalf("first ReadFrame error = %v, want corrupt frame", err)
	}
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("second ReadFrame failed: %v", err)
	}
	if string(payload) != "second" {
		t.Errorf("payload = %q, want %q", payload, "second")
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	frame := EncodeFrame([]byte("a payload long enough to cut in half"))
	truncated := frame[:HeaderSize+len(frame[HeaderSize:])/2]

	decoder := NewFrameDecoder(bytes.NewReader(truncated))
	_, err := decoder.ReadFrame()
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
	if frameErr.IsFatal() {
		t.Error("FrameErrorPartial.IsFatal() should return false")
	}
}

func TestFrameDecoder_TruncatedHeader(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x05, 0x01}))
	_, err := decoder.ReadFrame()
	if !IsPartialFrame(err) {
		t.Fatalf("ReadFrame error = %v, want partial frame", err)
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(DefaultMaxPayloadSize+1))
	binary.Write(&buf, binary.BigEndian, uint32(1))

	_, err := NewFrameDecoder(&buf).ReadFrame()
	if !IsFatalFrameError(err) {
		t.Fatalf("ReadFrame error = %v, want fatal frame error", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
}

func TestFrameDecoder_WithMaxPayload(t *testing.T) {
	frame := EncodeFrame(bytes.Repeat([]byte("z"), 100))

	_, err := NewFrameDecoder(bytes.NewReader(frame)).WithMaxPayload(64).ReadFrame()
	if !IsFatalFrameError(err) {
		t.Errorf("ReadFrame with limit 64 error = %v, want too large", err)
	}

	if _, err := NewFrameDecoder(bytes.NewReader(frame)).WithMaxPayload(0).ReadFrame(); err != nil {
		t.Errorf("ReadFrame with default limit failed: %v", err)
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	_, err := NewFrameDecoder(bytes.NewReader(nil)).ReadFrame()
	if err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestFrameWriter_WriteFrame(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	if err := fw.WriteRaw([]byte("session-1\n")); err != nil {
		t.Fatalf("WriteRaw failed: %v", err)
	}
	if err := fw.WriteFrame([]byte("body")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	line, err := io.ReadAll(io.LimitReader(&buf, int64(len("session-1\n"))))
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "session-1\n" {
		t.Errorf("line = %q, want %q", line, "session-1\n")
	}
	payload, err := NewFrameDecoder(&buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(payload) != "body" {
		t.Errorf("payload = %q, want %q", payload, "body")
	}
}

func TestDecodeCommand(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","method":"RequestVariables","params":{"frame":0,"scope":1}}`)
	cmd, err := DecodeCommand(payload)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if cmd.JSONRPC != types.ProtocolVersion {
		t.Errorf("JSONRPC = %q, want %q", cmd.JSONRPC, types.ProtocolVersion)
	}
	if cmd.Method != "RequestVariables" {
		t.Errorf("Method = %q, want RequestVariables", cmd.Method)
	}
	if got, ok := cmd.Params["scope"].(float64); !ok || got != 1 {
		t.Errorf("Params[scope] = %v, want 1", cmd.Params["scope"])
	}
}

func TestDecodeCommand_MissingParams(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"jsonrpc":"2.0","method":"Exit"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	if cmd.Params == nil {
		t.Error("Params should default to an empty map")
	}
	if !cmd.IsExit() {
		t.Error("IsExit() = false, want true")
	}
}

func TestDecodeCommand_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not json at all"},
		{"array", `[1,2,3]`},
		{"no method", `{"jsonrpc":"2.0","params":{}}`},
		{"truncated", `{"jsonrpc":"2.0","method":"Ex`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.payload))
			if !IsMalformedPayload(err) {
				t.Fatalf("DecodeCommand(%q) error = %v, want malformed payload", tt.payload, err)
			}
			var frameErr *FrameError
			errors.As(err, &frameErr)
			if frameErr.Raw != tt.payload {
				t.Errorf("Raw = %q, want %q", frameErr.Raw, tt.payload)
			}
			if IsFatalFrameError(err) {
				t.Error("decode errors should not be fatal")
			}
		})
	}
}

// TestDecodeCommand_InvalidUTF8 validates lossy decoding of the payload.
func TestDecodeCommand_InvalidUTF8(t *testing.T) {
	payload := []byte("{\"jsonrpc\":\"2.0\",\"method\":\"ClientOutput\",\"params\":{\"text\":\"a\xffb\"}}")
	cmd, err := DecodeCommand(payload)
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	text, _ := cmd.Params["text"].(string)
	if text != "a\uFFFDb" {
		t.Errorf("text = %q, want %q", text, "a\uFFFDb")
	}
}

func TestPayloadText(t *testing.T) {
	if got := PayloadText([]byte("plain")); got != "plain" {
		t.Errorf("PayloadText(plain) = %q", got)
	}
	if got := PayloadText([]byte{'x', 0xc3}); !strings.HasSuffix(got, "\uFFFD") {
		t.Errorf("PayloadText(truncated rune) = %q, want replacement suffix", got)
	}
}

func TestEncodeCommand_Defaults(t *testing.T) {
	payload, err := EncodeCommand(&types.Command{Method: "Exit"})
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"Exit","params":{}}`
	if string(payload) != want {
		t.Errorf("payload = %s, want %s", payload, want)
	}
}

func TestFrameError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *FrameError
		contains string
	}{
		{
			name:     "partial without underlying error",
			err:      &FrameError{Kind: FrameErrorPartial, Msg: "truncated"},
			contains: "truncated",
		},
		{
			name:     "partial with underlying error",
			err:      &FrameError{Kind: FrameErrorPartial, Msg: "read failed", Err: io.ErrUnexpectedEOF},
			contains: "unexpected EOF",
		},
		{
			name:     "corrupt",
			err:      &FrameError{Kind: FrameErrorCorrupt, Msg: "checksum mismatch"},
			contains: "checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if msg := tt.err.Error(); !strings.Contains(msg, tt.contains) {
				t.Errorf("error message %q does not contain %q", msg, tt.contains)
			}
		})
	}
}

func TestFrameErrorKind_String(t *testing.T) {
	tests := map[FrameErrorKind]string{
		FrameErrorPartial:  "partial",
		FrameErrorTooLarge: "too_large",
		FrameErrorCorrupt:  "corrupt",
		FrameErrorDecode:   "decode",
		FrameErrorKind(99): "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("FrameErrorKind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestIsFatalFrameError_NonFrameError(t *testing.T) {
	if IsFatalFrameError(errors.New("regular error")) {
		t.Error("regular errors should not be fatal frame errors")
	}
	if IsFatalFrameError(nil) {
		t.Error("nil should not be a fatal frame error")
	}
	if IsCorruptFrame(io.EOF) || IsPartialFrame(io.EOF) {
		t.Error("io.EOF should not classify as a frame error")
	}
}
