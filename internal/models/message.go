package models

import "encoding/json"

// SignalType represents the type of a server envelope
type SignalType string

const (
	SignalTypeJoin    SignalType = "join"
	SignalTypeLeave   SignalType = "leave"
	SignalTypeMessage SignalType = "message"
	SignalTypeEnded   SignalType = "ended"
	SignalTypeError   SignalType = "error"
)

// SignalMessage is the envelope exchanged with the websocket hub. Payload
// carries the client-level message untouched.
type SignalMessage struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId"`
	Role    Role            `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
