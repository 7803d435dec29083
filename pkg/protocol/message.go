// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	perrors "github.com/Jezerwel/floyd-app/pkg/errors"
)

// MessageType discriminates the Message union.
type MessageType string

const (
	TypeSensorData      MessageType = "sensor_data"
	TypeControlResponse MessageType = "control_response"
	TypeCommandResponse MessageType = "command_response"
	TypeStatus          MessageType = "status"
	TypeError           MessageType = "error"
)

// SourceRelay marks messages synthesized by the relay rather than the device.
const SourceRelay = "relay"

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = fmt.Errorf("%w: malformed JSON", perrors.ErrInvalidInput)

	// ErrMissingType is returned for messages without a type.
	ErrMissingType = fmt.Errorf("%w: missing type field", perrors.ErrInvalidInput)

	// ErrUnknownType is returned for messages whose type is not recognized.
	ErrUnknownType = fmt.Errorf("%w: unrecognized message type", perrors.ErrInvalidInput)
)

// Valid reports whether t is a recognized message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeSensorData, TypeControlResponse, TypeCommandResponse, TypeStatus, TypeError:
		return true
	default:
		return false
	}
}

// Message is the frame delivered to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// StatusData is the payload of a relay status message.
type StatusData struct {
	UpstreamConnected         bool `json:"upstreamConnected"`
	UpstreamConnecting        bool `json:"upstreamConnecting"`
	UpstreamReconnectAttempts int  `json:"upstreamReconnectAttempts"`
	MaxReconnectAttempts      int  `json:"maxReconnectAttempts"`
	ReconnectExhausted        bool `json:"reconnectExhausted"`
	RelayConnected            bool `json:"relayConnected"`
}

// ErrorData is the payload of a relay error message.
type ErrorData struct {
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Source  string `json:"source"`
}

// PongData is the payload of a liveness acknowledgment.
type PongData struct {
	Action  Action `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

type rawMessage struct {
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp *float64        `json:"timestamp"`
}

// ParseMessage decodes a device frame. The data payload is not inspected.
func ParseMessage(b []byte) (Message, error) {
	var raw rawMessage
	if err := decodeObject(b, &raw); err != nil {
		return Message{}, err
	}
	if raw.Type == nil || *raw.Type == "" {
		return Message{}, ErrMissingType
	}

	m := Message{
		Type: MessageType(*raw.Type),
		Data: raw.Data,
	}
	if raw.Timestamp != nil {
		m.Timestamp = int64(*raw.Timestamp)
	}
	if !m.Type.Valid() {
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}

	return m, nil
}

// Encode serializes the message.
func (m Message) Encode() ([]byte, error) {
	if m.Data == nil {
		m.Data = json.RawMessage("null")
	}
	return json.Marshal(m)
}

// IsLivenessAck reports whether m acknowledges a ping.
func IsLivenessAck(m Message) bool {
	if m.Type != TypeControlResponse && m.Type != TypeCommandResponse {
		return false
	}
	var data struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return false
	}
	return data.Action == ActionPing
}

// NewStatus builds a status message.
func NewStatus(s StatusData, ts int64) Message {
	return Message{Type: TypeStatus, Data: marshalData(s), Timestamp: ts}
}

// NewError builds a relay error message. action may be empty.
func NewError(message string, action Action, ts int64) Message {
	data := ErrorData{
		Message: message,
		Action:  string(action),
		Source:  SourceRelay,
	}
	return Message{Type: TypeError, Data: marshalData(data), Timestamp: ts}
}

// NewPong builds the acknowledgment of a client liveness probe.
func NewPong(ts int64) Message {
	data := PongData{
		Action:  ActionPing,
		Success: true,
		Message: "pong",
		Source:  SourceRelay,
	}
	return Message{Type: TypeControlResponse, Data: marshalData(data), Timestamp: ts}
}

// marshalData encodes payload structs made of plain fields, which cannot fail.
func marshalData(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func decodeObject(b []byte, v any) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ErrMalformed
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}
