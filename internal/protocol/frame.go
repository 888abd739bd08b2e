// Package protocol defines the JSON frames exchanged with connected clients.
//
// Clients send a frame whose type names an operation, with an optional
// req_id echoed back on the reply. Replies carry type "result" on success
// and "error" on failure. Server-initiated events carry the event name as
// type and never a req_id.
package protocol

import (
	"encoding/json"
	"log/slog"
)

// Frame is the envelope for every message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ReqID   string          `json:"req_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	TypeResult = "result"
	TypeError  = "error"
)

// OK reports whether f is a successful reply.
func (f Frame) OK() bool {
	return f.Type == TypeResult
}

// Event builds a server event frame.
func Event(eventType string, payload any) Frame {
	return Frame{Type: eventType, Payload: encode(eventType, payload)}
}

// Result builds a successful reply. A nil payload is omitted.
func Result(reqID string, payload any) Frame {
	return Frame{Type: TypeResult, ReqID: reqID, Payload: encode(TypeResult, payload)}
}

// Failure builds an error reply.
func Failure(reqID, code, message string) Frame {
	return Frame{Type: TypeError, ReqID: reqID, Code: code, Error: message}
}

// Decode unmarshals a frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

func encode(frameType string, payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode frame payload", "type", frameType, "err", err)
		return nil
	}
	return data
}
