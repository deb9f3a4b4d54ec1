package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message types.
const (
	TypeJoin         = "join"
	TypeMove         = "move"
	TypeResume       = "resume"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeResign       = "resign"
)

// Outbound message types. "move" is shared with the inbound set.
const (
	TypeMatchFound          = "matchFound"
	TypePause               = "pause"
	TypeResumeOK            = "resumeOk"
	TypeOpponentReconnected = "opponentReconnected"
	TypeGameOver            = "gameOver"
	TypeHeartbeat           = "heartbeat"
	TypeError               = "error"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is the {type, payload} frame exchanged over the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New wraps payload into an envelope of the given type.
func New(typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Must is New for payloads that are plain structs and cannot fail to marshal.
func Must(typ string, payload any) Envelope {
	env, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
