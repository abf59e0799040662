// Package reader provides the read side of recorded transcripts for the
// tether CLI.
//
// Commands render the response types defined here; the TUI consumes the
// same payloads so both surfaces show identical data.
package reader

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pithecene-io/tether/transcript"
)

// TranscriptRow is one rendered transcript entry.
type TranscriptRow struct {
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	SessionID string         `json:"session_id" yaml:"session_id"`
	Direction string         `json:"direction" yaml:"direction"`
	Method    string         `json:"method" yaml:"method"`
	Params    map[string]any `json:"params" yaml:"params"`
}

// TranscriptView is the response of debug transcript.
type TranscriptView struct {
	Source    string          `json:"source" yaml:"source"`
	Entries   []TranscriptRow `json:"entries" yaml:"entries"`
	Corrupt   int             `json:"corrupt" yaml:"corrupt"`
	Truncated bool            `json:"truncated" yaml:"truncated"`
}

// MethodCount is the number of entries carrying one method.
type MethodCount struct {
	Method string `json:"method" yaml:"method"`
	Count  int    `json:"count" yaml:"count"`
}

// TranscriptStats summarizes a transcript.
type TranscriptStats struct {
	Total    int           `json:"total" yaml:"total"`
	Inbound  int           `json:"inbound" yaml:"inbound"`
	Outbound int           `json:"outbound" yaml:"outbound"`
	Sessions int           `json:"sessions" yaml:"sessions"`
	Corrupt  int           `json:"corrupt" yaml:"corrupt"`
	Methods  []MethodCount `json:"methods" yaml:"methods"`
}

func toRow(e transcript.Entry) TranscriptRow {
	return TranscriptRow{
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		Direction: string(e.Direction),
		Method:    e.Method,
		Params:    e.Params,
	}
}

// TableHeaders lays out one row per entry.
func (v *TranscriptView) TableHeaders() []string {
	return []string{"timestamp", "session_id", "direction", "method", "params"}
}

// TableRows renders params as compact JSON.
func (v *TranscriptView) TableRows() [][]string {
	rows := make([][]string, 0, len(v.Entries))
	for _, e := range v.Entries {
		params, err := json.Marshal(e.Params)
		if err != nil {
			params = []byte(err.Error())
		}
		rows = append(rows, []string{
			e.Timestamp.Format(time.RFC3339Nano),
			e.SessionID,
			e.Direction,
			e.Method,
			string(params),
		})
	}
	return rows
}

// TableHeaders lays out one row per method.
func (s *TranscriptStats) TableHeaders() []string {
	return []string{"method", "count"}
}

// TableRows lists the per-method counts followed by the totals.
func (s *TranscriptStats) TableRows() [][]string {
	rows := make([][]string, 0, len(s.Methods)+5)
	for _, m := range s.Methods {
		rows = append(rows, []string{m.Method, strconv.Itoa(m.Count)})
	}
	return append(rows,
		[]string{"(total)", strconv.Itoa(s.Total)},
		[]string{"(inbound)", strconv.Itoa(s.Inbound)},
		[]string{"(outbound)", strconv.Itoa(s.Outbound)},
		[]string{"(sessions)", strconv.Itoa(s.Sessions)},
		[]string{"(corrupt)", strconv.Itoa(s.Corrupt)},
	)
}
