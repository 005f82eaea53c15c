// Package protocol defines the WebSocket message types for the live trace stream.
// All messages are JSON-encoded and wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mlbench/internal/trace"
)

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "mlbench-trace-v1"

// MessageType identifies the kind of message in the stream protocol.
type MessageType string

const (
	// Server → subscriber
	MsgHello    MessageType = "stream.hello"
	MsgStep     MessageType = "trace.step"
	MsgLowLevel MessageType = "trace.low_level"
	MsgPing     MessageType = "stream.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for deduplication.
	RunID     string          `json:"run_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// StepEnvelope wraps a trace event, typed by its kind.
func StepEnvelope(ev trace.Event) (*Envelope, error) {
	t := MsgStep
	if ev.Kind == trace.KindLowLevel {
		t = MsgLowLevel
	}
	env, err := NewEnvelope(t, StepPayload{Index: ev.Index, Step: ev.Step})
	if err != nil {
		return nil, err
	}
	env.RunID = ev.RunID
	return env, nil
}

// --- Payloads ---

// Hello is sent once when a subscriber connects.
type Hello struct {
	RunID         string `json:"run_id"`
	Task          string `json:"task"`
	Steps         int    `json:"steps"`
	LowLevelSteps int    `json:"low_level_steps"`
	Replayed      bool   `json:"replayed"` // Earlier steps follow as trace.step messages.
}

// StepPayload carries one appended step.
type StepPayload struct {
	Index int        `json:"index"`
	Step  trace.Step `json:"step"`
}

// ErrorPayload is sent before the server closes a connection it cannot serve.
type ErrorPayload struct {
	Message string `json:"message"`
}
