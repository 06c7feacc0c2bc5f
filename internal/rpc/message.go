package rpc

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates envelopes on the wire
type MessageType string

const (
	// MsgInvoke calls a remote method and expects a completion
	MsgInvoke MessageType = "invoke"
	// MsgSend calls a remote method without a completion
	MsgSend MessageType = "send"
	// MsgCompletion answers an invoke by id
	MsgCompletion MessageType = "completion"
	// MsgNotify is a server push addressed to a session
	MsgNotify MessageType = "notify"
)

// Message is the single envelope exchanged in both directions
type Message struct {
	Type    MessageType       `json:"type"`
	ID      string            `json:"id,omitempty"`
	Session string            `json:"session,omitempty"`
	Method  string            `json:"method,omitempty"`
	Args    []json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// EncodeArgs marshals each argument separately so the receiver can decode
// them positionally
func EncodeArgs(args ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("rpc: encode arg %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// DecodeArgs unmarshals positional args into dst. Missing trailing args leave
// their destination untouched.
func DecodeArgs(args []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		if i >= len(args) {
			return nil
		}
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("rpc: decode arg %d: %w", i, err)
		}
	}
	return nil
}

// NewNotify builds a server push
func NewNotify(session, method string, args ...any) (Message, error) {
	raw, err := EncodeArgs(args...)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MsgNotify, Session: session, Method: method, Args: raw}, nil
}

// NewCompletion answers invoke id with result (or errMsg when non-empty)
func NewCompletion(id string, result any, errMsg string) (Message, error) {
	m := Message{Type: MsgCompletion, ID: id, Error: errMsg}
	if result != nil && errMsg == "" {
		b, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("rpc: encode result: %w", err)
		}
		m.Result = b
	}
	return m, nil
}
