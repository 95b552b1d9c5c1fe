// Package apperr defines the runtime's error taxonomy. Every error that
// crosses a component boundary (actor handler, connection layer, scheduler,
// task tracker, chat turn) is classified into one of these seven codes so
// callers can map it to a wire-protocol error, an HTTP status, or a retry
// decision without string-matching error text.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies which of the seven taxonomy buckets an error belongs to.
type Code string

const (
	// InvalidRequest: malformed frame, unknown RPC method, or an argument
	// that fails to serialize. Surfaces as an rpc error reply, or a close
	// with WebSocket code 1002 if the frame itself could not be parsed.
	InvalidRequest Code = "invalid-request"

	// Unauthorized: onBeforeConnect/onBeforeRequest rejected the caller.
	// Surfaces as an HTTP 4xx before any actor code runs.
	Unauthorized Code = "unauthorized"

	// NotFound: lookup of an unknown task/schedule/session/message id.
	// Lookups return a zero value/false; only mutations against a missing
	// id become an error of this code.
	NotFound Code = "not-found"

	// Conflict: an illegal state transition was attempted (e.g. aborting an
	// already-completed task). Always raised as an error, never silently
	// ignored.
	Conflict Code = "conflict"

	// Timeout: a task or voice pipeline exceeded its deadline. Tasks land in
	// `aborted` with reason "Task timed out"; pipelines reset to `listening`.
	Timeout Code = "timeout"

	// Downstream: the LLM/STT/TTS provider or an external HTTP dependency
	// failed. Chat turns emit an error chunk and finalize; tasks land in
	// `failed`.
	Downstream Code = "downstream"

	// Internal: an uncaught failure in handler code. Logged, closes the
	// connection that triggered it; the actor itself survives.
	Internal Code = "internal"
)

// Error is the concrete error type carrying a taxonomy code alongside the
// underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error classifying an existing error under code.
// Wrap(code, msg, nil) is equivalent to New(code, msg).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Invalidf builds an InvalidRequest error with a formatted message.
func Invalidf(format string, args ...any) *Error {
	return New(InvalidRequest, fmt.Sprintf(format, args...))
}

// Unauthorizedf builds an Unauthorized error with a formatted message.
func Unauthorizedf(format string, args ...any) *Error {
	return New(Unauthorized, fmt.Sprintf(format, args...))
}

// NotFoundf builds a NotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

// Conflictf builds a Conflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

// Timeoutf builds a Timeout error with a formatted message.
func Timeoutf(format string, args ...any) *Error {
	return New(Timeout, fmt.Sprintf(format, args...))
}

// Downstreamf builds a Downstream error wrapping cause with a formatted message.
func Downstreamf(cause error, format string, args ...any) *Error {
	return Wrap(Downstream, fmt.Sprintf(format, args...), cause)
}

// Internalf builds an Internal error wrapping cause with a formatted message.
func Internalf(cause error, format string, args ...any) *Error {
	return Wrap(Internal, fmt.Sprintf(format, args...), cause)
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for any
// error that was not constructed through this package — an uncaught failure
// is exactly what Internal means.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return Internal
}

// Is reports whether err (or any error it wraps) carries code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
