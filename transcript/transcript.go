// Package transcript records the commands that cross a tether server.
//
// Every successfully decoded inbound command and every outbound command can
// be captured as an Entry. Recorders persist entries either to a local
// capture file of framed msgpack records (FileRecorder) or to a Lode dataset
// partitioned by session, day and direction (LodeRecorder).
package transcript

import (
	"context"
	"time"

	"github.com/pithecene-io/tether/types"
)

// Direction tells which way a command travelled, seen from the server.
type Direction string

const (
	// DirectionIn is a command received from a client.
	DirectionIn Direction = "in"
	// DirectionOut is a command sent to a client.
	DirectionOut Direction = "out"
)

// Entry is one recorded command.
type Entry struct {
	SessionID string         `json:"session_id" msgpack:"session_id"`
	Direction Direction      `json:"direction" msgpack:"direction"`
	Method    string         `json:"method" msgpack:"method"`
	Params    map[string]any `json:"params" msgpack:"params"`
	Timestamp time.Time      `json:"timestamp" msgpack:"timestamp"`
}

// NewEntry builds an entry for cmd stamped with the current UTC time.
func NewEntry(direction Direction, sessionID string, cmd *types.Command) Entry {
	return Entry{
		SessionID: sessionID,
		Direction: direction,
		Method:    cmd.Method,
		Params:    cmd.Params,
		Timestamp: time.Now().UTC(),
	}
}

// Recorder persists transcript entries. Implementations must be safe for
// concurrent use: the server records from every connection goroutine.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}
