package reader

import (
	"cmp"
	"context"
	"slices"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/tether/transcript"
)

// FileReader reads a local capture file.
type FileReader struct {
	path string
}

// NewFileReader creates a reader over the capture at path.
func NewFileReader(path string) *FileReader {
	return &FileReader{path: path}
}

// Source implements Reader.
func (r *FileReader) Source() string { return r.path }

// Transcript implements Reader.
func (r *FileReader) Transcript(_ context.Context, sessionID string) (*TranscriptView, error) {
	replay, err := transcript.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	view := newView(r.path, replay.Entries, sessionID)
	view.Corrupt = replay.Corrupt
	view.Truncated = replay.Truncated
	return view, nil
}

// DatasetReader reads a Lode transcript archive.
type DatasetReader struct {
	ds lode.Dataset
}

// NewDatasetReader creates a reader over ds.
func NewDatasetReader(ds lode.Dataset) *DatasetReader {
	return &DatasetReader{ds: ds}
}

// Source implements Reader.
func (r *DatasetReader) Source() string { return string(r.ds.ID()) }

// Transcript implements Reader.
func (r *DatasetReader) Transcript(ctx context.Context, sessionID string) (*TranscriptView, error) {
	entries, err := transcript.ReadDataset(ctx, r.ds, sessionID)
	if err != nil {
		return nil, err
	}
	return newView(string(r.ds.ID()), entries, sessionID), nil
}

func newView(source string, entries []transcript.Entry, sessionID string) *TranscriptView {
	view := &TranscriptView{Source: source, Entries: []TranscriptRow{}}
	for _, e := range entries {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		view.Entries = append(view.Entries, toRow(e))
	}
	return view
}

// Summarize computes statistics for view. Methods are ordered by count,
// then name.
func Summarize(view *TranscriptView) *TranscriptStats {
	stats := &TranscriptStats{Corrupt: view.Corrupt, Methods: []MethodCount{}}
	sessions := make(map[string]struct{})
	methods := make(map[string]int)
	for _, row := range view.Entries {
		stats.Total++
		switch transcript.Direction(row.Direction) {
		case transcript.DirectionIn:
			stats.Inbound++
		case transcript.DirectionOut:
			stats.Outbound++
		}
		sessions[row.SessionID] = struct{}{}
		methods[row.Method]++
	}
	stats.Sessions = len(sessions)
	for m, n := range methods {
		stats.Methods = append(stats.Methods, MethodCount{Method: m, Count: n})
	}
	slices.SortFunc(stats.Methods, func(a, b MethodCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Method, b.Method))
	})
	return stats
}
