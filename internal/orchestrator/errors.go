package orchestrator

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error classification for the orchestrator's
// event and control paths. Handlers should errors.As against *Error and switch
// on Kind rather than comparing error strings.
type Kind string

const (
	// KindUnknownReply means a callback referenced a reply_id the orchestrator
	// has no record of. Never fatal; the callback still reports success.
	KindUnknownReply Kind = "unknown_reply"
	// KindSpawnFailed means fork/exec of the agent subprocess failed.
	KindSpawnFailed Kind = "spawn_failed"
	// KindParseError means an inbound event payload could not be decoded.
	// The offending event is skipped; the batch continues.
	KindParseError Kind = "parse_error"
	// KindBackpressureDrop means a subscriber's bounded buffer overflowed and
	// the subscription was detached.
	KindBackpressureDrop Kind = "backpressure_drop"
	// KindPersistenceError means a durable store operation failed. In-memory
	// operation continues; the error is logged.
	KindPersistenceError Kind = "persistence_error"
	// KindUnauthorizedInterrupt means a caller tried to interrupt a reply
	// owned by another user.
	KindUnauthorizedInterrupt Kind = "unauthorized_interrupt"
)

// Error is a structured orchestrator failure that preserves a stable Kind and
// optional causal chain while still implementing the standard error interface.
type Error struct {
	Kind    Kind
	Message string
	ReplyID string
	Cause   error
}

// New constructs an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithReply annotates the error with the reply id it concerns and returns it
// for chaining.
func (e *Error) WithReply(replyID string) *Error {
	e.ReplyID = replyID
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the causal chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return "", false
}
