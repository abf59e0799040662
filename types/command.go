// Package types defines the core wire and session types shared by the
// tether client and server.
//
//nolint:revive // types is a common Go package naming convention
package types

import "strings"

// Reserved method names with transport-level meaning.
const (
	// MethodExit terminates the receiving session. It is never dispatched to a handler.
	MethodExit = "Exit"
	// MethodClientException reports an unhandled fault or protocol error from a client.
	MethodClientException = "ClientException"
	// MethodClientOutput carries tunnelled console output from a client's LineFile.
	MethodClientOutput = "ClientOutput"
)

// ProtocolErrorType is the exception type reported for corrupt frames and
// malformed payloads.
const ProtocolErrorType = "ProtocolError"

// Command is the decoded unit of meaning carried by a frame payload.
// Serialized as {"jsonrpc": "2.0", "method": ..., "params": {...}}.
type Command struct {
	// JSONRPC is the dialect marker (always ProtocolVersion on send).
	JSONRPC string `json:"jsonrpc"`
	// Method is the command name.
	Method string `json:"method"`
	// Params are the named arguments. Opaque to the transport.
	Params map[string]any `json:"params"`
}

// NewCommand builds a command with the fixed protocol tag.
// A nil params map is replaced with an empty one so the wire always
// carries an object.
func NewCommand(method string, params map[string]any) *Command {
	if params == nil {
		params = map[string]any{}
	}
	return &Command{
		JSONRPC: ProtocolVersion,
		Method:  method,
		Params:  params,
	}
}

// IsExit reports whether the command asks the receiver to terminate.
func (c *Command) IsExit() bool {
	return c != nil && c.Method == MethodExit
}

// ClientException is the payload of a ClientException command.
type ClientException struct {
	// Type is the fault type name (a Go type name, or ProtocolError).
	Type string `json:"type"`
	// Message is the human-readable fault description.
	Message string `json:"message"`
	// Stack is the formatted stack trace, or the offending raw payload
	// for protocol errors.
	Stack string `json:"stack"`
}

// Params converts the exception into command params.
func (e ClientException) Params() map[string]any {
	return map[string]any{
		"type":    e.Type,
		"message": e.Message,
		"stack":   e.Stack,
	}
}

// ClientExceptionFromParams extracts a ClientException from command params.
// Missing or non-string fields are left empty.
func ClientExceptionFromParams(params map[string]any) ClientException {
	str := func(key string) string {
		if s, ok := params[key].(string); ok {
			return s
		}
		return ""
	}
	return ClientException{
		Type:    str("type"),
		Message: str("message"),
		Stack:   str("stack"),
	}
}

// IsProtocolError reports whether the exception describes a transport-level fault.
func (e ClientException) IsProtocolError() bool {
	return strings.EqualFold(e.Type, ProtocolErrorType)
}
