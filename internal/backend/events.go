// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// Event is a decoded server-to-client stream message. The concrete type is
// one of MessageReceived, Token, Complete, TurnError or Refused.
type Event interface {
	eventType() string
}

// Wire discriminators.
const (
	EventMessageReceived = "message_received"
	EventToken           = "token"
	EventComplete        = "complete"
	EventError           = "error"
)

// MessageReceived acknowledges a user turn; generation starts after it.
type MessageReceived struct {
	Message string `json:"message"`
}

// Token is one fragment of the assistant reply.
type Token struct {
	Token   string `json:"token"`
	IsFinal bool   `json:"is_final"`
}

// Complete ends a turn and carries its metrics.
type Complete struct {
	LatencyMs    float64 `json:"latency_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
}

// TurnError ends a turn without a reply.
type TurnError struct {
	Message string `json:"error"`
}

// Refused is an untyped {"error": ...} frame. The inference service sends
// it instead of serving the stream, e.g. when the model is not loaded, and
// closes the socket afterwards.
type Refused struct {
	Message string
}

func (MessageReceived) eventType() string { return EventMessageReceived }
func (Token) eventType() string           { return EventToken }
func (Complete) eventType() string        { return EventComplete }
func (TurnError) eventType() string       { return EventError }
func (Refused) eventType() string         { return "" }

// ProtocolError describes a frame that does not match the stream contract.
type ProtocolError struct {
	Type   string
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	msg := "protocol violation: " + e.Reason
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

type envelope struct {
	Type  *string `json:"type"`
	Error *string `json:"error"`
}

// DecodeEvent parses one stream frame. Frames that are not JSON objects,
// carry an unknown type, or lack a field their type requires return a
// *ProtocolError.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed frame", Cause: err}
	}

	if env.Type == nil {
		if env.Error != nil {
			return Refused{Message: *env.Error}, nil
		}
		return nil, &ProtocolError{Reason: "missing type"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ProtocolError{Type: *env.Type, Reason: "malformed frame", Cause: err}
	}
	need := func(name string) error {
		if _, ok := fields[name]; !ok {
			return &ProtocolError{Type: *env.Type, Reason: "missing field " + name}
		}
		return nil
	}

	switch *env.Type {
	case EventMessageReceived:
		var ev MessageReceived
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Type: *env.Type, Reason: "bad payload", Cause: err}
		}
		return ev, nil

	case EventToken:
		if err := need("token"); err != nil {
			return nil, err
		}
		var ev Token
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Type: *env.Type, Reason: "bad payload", Cause: err}
		}
		return ev, nil

	case EventComplete:
		for _, name := range []string{"latency_ms", "input_tokens", "output_tokens", "total_tokens"} {
			if err := need(name); err != nil {
				return nil, err
			}
		}
		var ev Complete
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Type: *env.Type, Reason: "bad payload", Cause: err}
		}
		return ev, nil

	case EventError:
		if err := need("error"); err != nil {
			return nil, err
		}
		var ev TurnError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, &ProtocolError{Type: *env.Type, Reason: "bad payload", Cause: err}
		}
		return ev, nil

	default:
		return nil, &ProtocolError{Type: *env.Type, Reason: "unknown event type"}
	}
}
