package reader

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tether/transcript"
)

func sampleEntries() []transcript.Entry {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []transcript.Entry{
		{SessionID: "a", Direction: transcript.DirectionOut, Method: "Ping", Params: map[string]any{}, Timestamp: base},
		{SessionID: "a", Direction: transcript.DirectionIn, Method: "Ping", Params: map[string]any{}, Timestamp: base.Add(time.Second)},
		{SessionID: "b", Direction: transcript.DirectionIn, Method: "ClientOutput", Params: map[string]any{"text": "hi"}, Timestamp: base.Add(2 * time.Second)},
	}
}

func writeCapture(t *testing.T, entries []transcript.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.tt")
	r, err := transcript.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	for _, e := range entries {
		if err := r.Record(t.Context(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestFileReader_Transcript(t *testing.T) {
	path := writeCapture(t, sampleEntries())
	r := NewFileReader(path)
	if r.Source() != path {
		t.Errorf("Source = %q, want %q", r.Source(), path)
	}

	view, err := r.Transcript(t.Context(), "")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(view.Entries) != 3 {
		t.Fatalf("len(Entries) = %d, want 3", len(view.Entries))
	}

	view, err = r.Transcript(t.Context(), "b")
	if err != nil {
		t.Fatalf("Transcript(b): %v", err)
	}
	if len(view.Entries) != 1 || view.Entries[0].Method != "ClientOutput" {
		t.Errorf("Entries = %+v, want the ClientOutput of b", view.Entries)
	}
}

func TestFileReader_NoMatches(t *testing.T) {
	view, err := NewFileReader(writeCapture(t, sampleEntries())).Transcript(t.Context(), "zzz")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if view.Entries == nil || len(view.Entries) != 0 {
		t.Errorf("Entries = %#v, want an empty non-nil slice", view.Entries)
	}
}

func TestDatasetReader_Transcript(t *testing.T) {
	store := lode.NewMemory()
	factory := func() (lode.Store, error) { return store, nil }
	ds, err := transcript.NewDataset("", factory)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	rec := transcript.NewLodeRecorder(ds, 0)
	for _, e := range sampleEntries() {
		if err := rec.Record(t.Context(), e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := NewDatasetReader(ds)
	if r.Source() != transcript.DefaultDataset {
		t.Errorf("Source = %q", r.Source())
	}
	view, err := r.Transcript(t.Context(), "a")
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(view.Entries) != 2 {
		t.Errorf("len(Entries) = %d, want 2", len(view.Entries))
	}
}

func TestSummarize(t *testing.T) {
	view := newView("mem", sampleEntries(), "")
	view.Corrupt = 1
	stats := Summarize(view)

	if stats.Total != 3 || stats.Inbound != 2 || stats.Outbound != 1 {
		t.Errorf("Total/Inbound/Outbound = %d/%d/%d, want 3/2/1", stats.Total, stats.Inbound, stats.Outbound)
	}
	if stats.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", stats.Sessions)
	}
	if stats.Corrupt != 1 {
		t.Errorf("Corrupt = %d, want 1", stats.Corrupt)
	}
	want := []MethodCount{{"Ping", 2}, {"ClientOutput", 1}}
	if len(stats.Methods) != len(want) {
		t.Fatalf("Methods = %v, want %v", stats.Methods, want)
	}
	for i := range want {
		if stats.Methods[i] != want[i] {
			t.Errorf("Methods[%d] = %v, want %v", i, stats.Methods[i], want[i])
		}
	}
}

func TestTranscriptView_TableRows(t *testing.T) {
	view := newView("mem", sampleEntries(), "b")
	rows := view.TableRows()
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if got := len(rows[0]); got != len(view.TableHeaders()) {
		t.Errorf("row has %d cells, want %d", got, len(view.TableHeaders()))
	}
	if rows[0][4] != `{"text":"hi"}` {
		t.Errorf("params cell = %q", rows[0][4])
	}
}
