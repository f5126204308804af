// Streamgate - Real-Time Event Distribution Gateway
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/streamgate

package event

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Reserved message types for the wire protocol.
const (
	TypeAuth             = "auth"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeAck              = "ack"
	TypeError            = "error"
	TypeWelcome          = "welcome"
	TypeSessionRecovered = "session_recovered"
	TypeMetrics          = "metrics"
	TypeEvent            = "event"
	TypeBatch            = "batch"
	TypeServerShutdown   = "server_shutdown"
)

// Priority orders outbound messages within a connection's queue and
// decides batching bypass and ack-timeout retry behavior.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority converts a wire priority string to a Priority.
// Unknown values map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// MarshalJSON encodes the priority as its wire string.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a wire priority string.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	*p = ParsePriority(s)
	return nil
}

// Message is the JSON wire envelope exchanged over the transport.
//
// SequenceNumber is stamped by the protocol at send time and is strictly
// monotonic per connection, never reused even across reconnects.
type Message struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Payload        interface{} `json:"payload,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Priority       Priority    `json:"priority,omitempty"`
	SequenceNumber uint64      `json:"sequenceNumber,omitempty"`
	RequiresAck    bool        `json:"requiresAck,omitempty"`
	RetryCount     int         `json:"retryCount,omitempty"`
}

// NewMessage creates a message of the given type with a unique id and the
// current timestamp. Sequence stamping happens later, at send time.
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// AckPayload is the payload of an "ack" message.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// WelcomePayload is sent to a newly created connection.
type WelcomePayload struct {
	ConnectionID   string `json:"connectionId"`
	ReconnectToken string `json:"reconnectToken"`
}

// RecoveryPayload confirms a successful session recovery.
type RecoveryPayload struct {
	ReconnectCount       int    `json:"reconnectCount"`
	QueuedMessageCount   int    `json:"queuedMessageCount"`
	LastReceivedSequence uint64 `json:"lastReceivedSequence"`
}

// BatchPayload carries a flushed batch. EventIDs lists the constituent
// event ids in receipt order.
type BatchPayload struct {
	BatchID  string   `json:"batchId"`
	Events   []*Event `json:"events"`
	EventIDs []string `json:"eventIds"`
}

// ErrorPayload carries a structured error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Marshal encodes a message for transmission.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a wire frame into a message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	return &m, nil
}
