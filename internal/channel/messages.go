// Package channel keeps the long-poll channels agents open to receive
// commands.
//
// An agent holds a websocket connection and sends COMMAND_REQUEST
// messages, each carrying a correlation id. Every request is a channel
// waiting for exactly one COMMAND_RESPONSE; once a response has been
// pushed the request is consumed. Agents re-poll on their own timeout.
package channel

import (
	"encoding/json"
	"fmt"
)

// AgentIDHeader carries the agent id on the channel handshake.
const AgentIDHeader = "X-Fleet-Agent-ID"

// MessageType identifies a channel message.
type MessageType string

const (
	// Agent -> server
	MessageTypeCommandRequest MessageType = "COMMAND_REQUEST"
	MessageTypePing           MessageType = "PING"

	// Server -> agent
	MessageTypeCommandResponse MessageType = "COMMAND_RESPONSE"
	MessageTypePong            MessageType = "PONG"
	MessageTypeError           MessageType = "ERROR"
)

// Message is the envelope exchanged over agent channels.
type Message struct {
	Type          MessageType     `json:"messageType"`
	CorrelationID int64           `json:"correlationId"`
	AgentID       string          `json:"agentId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Bytes serializes the message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a message and checks its type is set.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no messageType")
	}
	return &msg, nil
}

// ErrorPayload is the payload of ERROR messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PollRequest is an agent's pending request for work.
type PollRequest struct {
	AgentID       string
	CorrelationID int64
}

// Key identifies one open channel.
type Key struct {
	ConnID        string
	CorrelationID int64
}

// Request is a snapshot of one open channel and the request waiting on it.
type Request struct {
	Key     Key
	Request PollRequest
}
