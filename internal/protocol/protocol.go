package protocol

import "encoding/json"

const Version = "1.0"

// Message types on the agent seat connection.
const (
	TypeHello    = "HELLO"
	TypeWelcome  = "WELCOME"
	TypeDecide   = "DECIDE"
	TypeDecision = "DECISION"
	TypeReflect  = "REFLECT"
	TypeBelief   = "BELIEF"
	TypeError    = "ERROR"
	TypeEnd      = "SESSION_END"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
