// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package failure defines the error kinds surfaced by the coordinator.
//
// Every failure is recovered locally: callers inspect the Kind, update
// their display, and leave the state machines where the operation that
// failed left them. Nothing in this package terminates the process.
package failure

import (
	"errors"
	"fmt"
)

// Kind categorizes a coordinator failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUploadRejected
	KindTrainingStartRejected
	KindModelLoadFailed
	KindConnectionFailed
	KindProtocolViolation
	KindSendRejectedNotReady
	KindTransientPollFailure
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindUploadRejected:        "upload_rejected",
	KindTrainingStartRejected: "training_start_rejected",
	KindModelLoadFailed:       "model_load_failed",
	KindConnectionFailed:      "connection_failed",
	KindProtocolViolation:     "protocol_violation",
	KindSendRejectedNotReady:  "send_rejected_not_ready",
	KindTransientPollFailure:  "transient_poll_failure",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind, so sentinel values work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrUploadRejected        = &Error{Kind: KindUploadRejected, Message: "upload rejected"}
	ErrTrainingStartRejected = &Error{Kind: KindTrainingStartRejected, Message: "training start rejected"}
	ErrModelLoadFailed       = &Error{Kind: KindModelLoadFailed, Message: "model load failed"}
	ErrConnectionFailed      = &Error{Kind: KindConnectionFailed, Message: "connection failed"}
	ErrProtocolViolation     = &Error{Kind: KindProtocolViolation, Message: "protocol violation"}
	ErrNotReady              = &Error{Kind: KindSendRejectedNotReady, Message: "session not ready"}
	ErrTransientPoll         = &Error{Kind: KindTransientPollFailure, Message: "status poll failed"}
)

// New creates a failure of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates a failure of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotReady reports whether a send was rejected because the session was
// not idle and ready.
func IsNotReady(err error) bool {
	return Is(err, KindSendRejectedNotReady)
}

// IsTransient reports whether err is a poll failure that should be retried
// on the next tick.
func IsTransient(err error) bool {
	return Is(err, KindTransientPollFailure)
}
