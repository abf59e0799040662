package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pithecene-io/tether/types"
)

// EncodeCommand serializes a command to its UTF-8 JSON payload.
func EncodeCommand(cmd *types.Command) ([]byte, error) {
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}
	if cmd.JSONRPC == "" {
		cmd.JSONRPC = types.ProtocolVersion
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command %q: %w", cmd.Method, err)
	}
	return payload, nil
}

// EncodeCommandFrame serializes and frames a command.
func EncodeCommandFrame(method string, params map[string]any) ([]byte, error) {
	payload, err := EncodeCommand(types.NewCommand(method, params))
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload), nil
}

// PayloadText decodes a payload as UTF-8, replacing undecodable bytes.
// It never fails.
func PayloadText(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "\uFFFD")
}

// DecodeCommand decodes a verified payload into a command.
// Payloads that are not a JSON object with a string method return a
// *FrameError with Kind=FrameErrorDecode carrying the raw text.
func DecodeCommand(payload []byte) (*types.Command, error) {
	text := PayloadText(payload)

	var cmd types.Command
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode command",
			Err:  err,
			Raw:  text,
		}
	}
	if cmd.Method == "" {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "command has no method",
			Raw:  text,
		}
	}
	if cmd.Params == nil {
		cmd.Params = map[string]any{}
	}
	return &cmd, nil
}
