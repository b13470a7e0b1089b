package agent

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind categorizes an agent failure and governs the engine's response.
type ErrorKind string

const (
	// Retryable failures (network, timeouts, rate limits) are retried with
	// exponential backoff up to the configured attempt cap.
	Retryable ErrorKind = "retryable"
	// Fatal failures (invalid input, permission) fail the execution immediately.
	Fatal ErrorKind = "fatal"
	// HumanRequired pauses the execution and surfaces a pending task for an
	// out-of-band decision.
	HumanRequired ErrorKind = "human-required"
)

// Error is the typed failure agents return from Execute. The scheduler uses
// the Kind to decide retry/fail/pause; exceptions are reserved for programmer
// error.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter optionally hints when a retryable failure is worth retrying.
	RetryAfter time.Duration
	// Cause preserves the underlying error for errors.Is/As.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// NewRetryable builds a retryable agent error.
func NewRetryable(msg string, cause error) *Error {
	return &Error{Kind: Retryable, Message: msg, Cause: cause}
}

// NewFatal builds a fatal agent error.
func NewFatal(msg string, cause error) *Error {
	return &Error{Kind: Fatal, Message: msg, Cause: cause}
}

// NewHumanRequired builds a human-required agent error.
func NewHumanRequired(msg string) *Error {
	return &Error{Kind: HumanRequired, Message: msg}
}

// KindOf classifies an arbitrary error. Untyped errors and context deadline
// expirations count as retryable; context cancellation is not an agent
// failure and is reported as-is by the scheduler.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Retryable
}
