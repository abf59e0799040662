// Package adapter defines the session lifecycle event boundary.
//
// Adapters publish session and client-process lifecycle notifications to
// downstream systems (an IDE front end, a dashboard, a test harness). The
// server owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"time"
)

// Event types published by the server.
const (
	EventSessionConnected    = "session_connected"
	EventSessionReplaced     = "session_replaced"
	EventSessionDisconnected = "session_disconnected"
	EventClientStarted       = "client_started"
	EventClientStartFailed   = "client_start_failed"
	EventClientException     = "client_exception"
	EventClientStopped       = "client_stopped"
)

// SessionEvent is the payload published for every lifecycle transition.
type SessionEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	SessionID       string `json:"session_id"`
	RemoteAddr      string `json:"remote_addr,omitempty"`
	PID             int    `json:"pid,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	Message         string `json:"message,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339
}

// NewSessionEvent builds an event stamped with the current UTC time.
func NewSessionEvent(version, eventType, sessionID string) *SessionEvent {
	return &SessionEvent{
		ContractVersion: version,
		EventType:       eventType,
		SessionID:       sessionID,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Adapter publishes session events to a downstream system.
type Adapter interface {
	// Publish sends one event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *SessionEvent) error

	// Close releases adapter resources.
	Close() error
}
