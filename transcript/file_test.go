package transcript

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/tether/ipc"
	"github.com/pithecene-io/tether/types"
)

func testEntry(dir Direction, sid, method string) Entry {
	return NewEntry(dir, sid, types.NewCommand(method, map[string]any{"text": method}))
}

func TestFileRecorder_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.tt")
	r, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	want := []Entry{
		testEntry(DirectionOut, "s1", "Ping"),
		testEntry(DirectionIn, "s1", "Pong"),
		testEntry(DirectionIn, "", types.MethodExit),
	}
	for _, e := range want {
		if err := r.Record(t.Context(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	replay, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if replay.Corrupt != 0 || replay.Truncated {
		t.Errorf("Corrupt = %d, Truncated = %v, want clean", replay.Corrupt, replay.Truncated)
	}
	if len(replay.Entries) != len(want) {
		t.Fatalf("len(Entries) = %d, want %d", len(replay.Entries), len(want))
	}
	for i, got := range replay.Entries {
		if got.SessionID != want[i].SessionID || got.Direction != want[i].Direction || got.Method != want[i].Method {
			t.Errorf("Entries[%d] = %+v, want %+v", i, got, want[i])
		}
		if got.Params["text"] != want[i].Method {
			t.Errorf("Entries[%d].Params = %v", i, got.Params)
		}
		if !got.Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("Entries[%d].Timestamp = %v, want %v", i, got.Timestamp, want[i].Timestamp)
		}
	}
}

func TestFileRecorder_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.tt")
	for range 2 {
		r, err := OpenFile(path)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		if err := r.Record(t.Context(), testEntry(DirectionOut, "s1", "Ping")); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if err := r.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	replay, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(replay.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(replay.Entries))
	}
}

func TestFileRecorder_RecordAfterClose(t *testing.T) {
	r, err := OpenFile(filepath.Join(t.TempDir(), "capture.tt"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := r.Record(t.Context(), testEntry(DirectionIn, "s1", "Ping")); !errors.Is(err, ErrRecorderClosed) {
		t.Errorf("Record after Close = %v, want ErrRecorderClosed", err)
	}
}

func TestReadEntries_SkipsCorruptFrames(t *testing.T) {
	var buf bytes.Buffer
	r := &FileRecorder{path: "mem", fw: ipc.NewFrameWriter(&buf)}
	if err := r.Record(t.Context(), testEntry(DirectionIn, "s1", "First")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// A frame whose checksum does not match its payload.
	bad := ipc.EncodeFrame([]byte("garbage!"))
	bad[len(bad)-1] ^= 0xff
	buf.Write(bad)
	// A frame that verifies but is not a msgpack entry.
	buf.Write(ipc.EncodeFrame([]byte{0xc1}))

	if err := r.Record(t.Context(), testEntry(DirectionOut, "s1", "Second")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	replay, err := ReadEntries(&buf)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if replay.Corrupt != 2 {
		t.Errorf("Corrupt = %d, want 2", replay.Corrupt)
	}
	if len(replay.Entries) != 2 || replay.Entries[0].Method != "First" || replay.Entries[1].Method != "Second" {
		t.Errorf("Entries = %+v, want First, Second", replay.Entries)
	}
}

func TestReadEntries_TruncatedTail(t *testing.T) {
	var buf bytes.Buffer
	r := &FileRecorder{path: "mem", fw: ipc.NewFrameWriter(&buf)}
	if err := r.Record(t.Context(), testEntry(DirectionIn, "s1", "Whole")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	frame := ipc.EncodeFrame([]byte("cut short"))
	buf.Write(frame[:len(frame)-3])

	replay, err := ReadEntries(&buf)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if !replay.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(replay.Entries) != 1 {
		t.Errorf("len(Entries) = %d, want 1", len(replay.Entries))
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.tt"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want the os error kept in the chain", err)
	}
}

func TestNewEntry(t *testing.T) {
	before := time.Now()
	e := NewEntry(DirectionOut, "s9", types.NewCommand("Step", nil))
	if e.SessionID != "s9" || e.Direction != DirectionOut || e.Method != "Step" {
		t.Errorf("NewEntry = %+v", e)
	}
	if e.Timestamp.Before(before.Add(-time.Second)) || e.Timestamp.Location() != time.UTC {
		t.Errorf("Timestamp = %v, want now in UTC", e.Timestamp)
	}
}
