// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jeranaias/trainchat/internal/backend"
)

// =============================================================================
// STATE
// =============================================================================

// State is the externally visible connection state of a chat session.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateConnecting
	StateReadyIdle
	StateAwaitingResponse
	StateDisconnected
	StateError
)

// String returns the display name of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateConnecting:
		return "connecting"
	case StateReadyIdle:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnMetrics are the figures reported with a completed reply.
type TurnMetrics struct {
	LatencyMs    float64 `json:"latency_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
}

// Turn is one finalized transcript entry.
type Turn struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Metrics   *TurnMetrics `json:"metrics,omitempty"`
}

// Archive is the transcript of a session handed off at teardown.
type Archive struct {
	SessionID string
	Project   string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []Turn
}

// =============================================================================
// CHAT CONFIG
// =============================================================================

// ChatConfig holds the generation settings sent with each turn.
type ChatConfig struct {
	Temperature float64 `validate:"gte=0.1,lte=1"`
	MaxTokens   int     `validate:"gt=0"`
}

// Generation defaults used by the inference service.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

// DefaultChatConfig returns the default generation settings.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
}

var validate = validator.New()

// Validate checks the settings are in range.
func (c ChatConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "Temperature":
			msgs = append(msgs, "temperature must be between 0.1 and 1.0")
		case "MaxTokens":
			msgs = append(msgs, "max tokens must be positive")
		default:
			msgs = append(msgs, fe.Error())
		}
	}
	return fmt.Errorf("invalid chat config: %s", strings.Join(msgs, "; "))
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrClosed is returned by operations on a torn-down session.
	ErrClosed = errors.New("session closed")

	// ErrBusy is returned by Load while a load or reconnect is in progress.
	ErrBusy = errors.New("session is connecting")

	// ErrEmptyMessage is returned when SendMessage gets blank text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTurnInterrupted is surfaced when the stream drops mid-reply.
	// The turn is not resent after reconnecting.
	ErrTurnInterrupted = errors.New("response interrupted: connection lost")
)

// TurnError carries an error event reported by the inference service for
// the in-flight turn.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return "assistant error: " + e.Message
}

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// Backend is the part of the inference service a session needs.
// *backend.Client satisfies it.
type Backend interface {
	LoadModel(ctx context.Context, slug string) error
	DialStream(ctx context.Context, slug, sessionID string) (backend.Stream, error)
}

// =============================================================================
// UPDATES
// =============================================================================

// UpdateKind identifies what changed.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateToken
	UpdateTurn
	UpdateError
)

// Update is delivered to subscribers in the order changes happened.
type Update struct {
	Kind  UpdateKind
	State State
	Token string
	Turn  *Turn
	Err   error
}
