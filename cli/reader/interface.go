package reader

import "context"

// Reader abstracts read-only transcript access for CLI commands.
// Implementations read a local capture file or a Lode archive.
type Reader interface {
	// Source names where entries come from (a path or dataset id).
	Source() string
	// Transcript returns the entries of one session, or of every session
	// when sessionID is empty.
	Transcript(ctx context.Context, sessionID string) (*TranscriptView, error)
}
