// Package apperr provides the error taxonomy shared by every core component:
// a stable code, a human message, and whether the caller may retry.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure. Stable across releases so callers
// can branch on it (e.g. over an RPC boundary) instead of string-matching
// messages.
type Code string

// Error classes from the core's taxonomy. Validation and InvalidTransition
// never trigger retry; Transient is retried internally with bounded
// attempts and re-surfaces if still failing; the rest are surfaced as-is.
const (
	CodeValidation        Code = "VALIDATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeDuplicate         Code = "DUPLICATE"
	CodeConflict          Code = "CONFLICT"
	CodeLockUnavailable   Code = "LOCK_UNAVAILABLE"
	CodeTransient         Code = "TRANSIENT"
	CodePersistError      Code = "PERSIST_ERROR"
	CodeFatal             Code = "FATAL"
)

// Error is the taxonomy's concrete type. It wraps an optional cause and
// carries the retryability verdict alongside the stable code.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Cause     error
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

// Is allows errors.Is(err, apperr.CodeX) style checks via a sentinel built
// with New(code, ""); two *Error values compare equal on Code alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}

	return false
}

// New builds an *Error with an explicit retryable flag.
func New(code Code, message string, retryable bool, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, Cause: cause}
}

// Validation wraps a malformed-input failure. Non-retryable.
func Validation(message string, cause error) *Error {
	return New(CodeValidation, message, false, cause)
}

// NotFound wraps a missing-aggregate failure. Non-retryable.
func NotFound(message string, cause error) *Error {
	return New(CodeNotFound, message, false, cause)
}

// InvalidTransition wraps a state-machine guard failure. Non-retryable;
// the state is left unchanged by the caller.
func InvalidTransition(message string, cause error) *Error {
	return New(CodeInvalidTransition, message, false, cause)
}

// Duplicate wraps a pre-insert gate match. Non-retryable; the caller
// receives the existing record as the result, not this error, in most
// call sites — this constructor exists for call sites that must
// propagate the duplicate verdict as an error (e.g. a strict RPC layer).
func Duplicate(message string, cause error) *Error {
	return New(CodeDuplicate, message, false, cause)
}

// Conflict wraps a concurrent-modification failure (version-vector
// Concurrent, or idempotency Processing with ThrowConflict). Retryable
// at the caller's discretion.
func Conflict(message string, cause error) *Error {
	return New(CodeConflict, message, true, cause)
}

// LockUnavailable wraps exhausted lock-acquisition retries. The caller
// decides whether to fall back to the transaction alone or abort.
func LockUnavailable(message string, cause error) *Error {
	return New(CodeLockUnavailable, message, true, cause)
}

// Transient wraps a retryable infrastructure failure (store unavailable,
// operation cancelled). Retried internally with bounded attempts.
func Transient(message string, cause error) *Error {
	return New(CodeTransient, message, true, cause)
}

// PersistError wraps a write failure that occurred after validation
// passed. Retryable once by the caller, then surfaced.
func PersistError(message string, cause error) *Error {
	return New(CodePersistError, message, true, cause)
}

// Fatal wraps an assertion/invariant violation. Never retried.
func Fatal(message string, cause error) *Error {
	return New(CodeFatal, message, false, cause)
}

// CodeOf returns the code carried by err if it is (or wraps) an *Error,
// and the empty Code otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}

	return false
}
