// Package errors implements a closed taxonomy of error kinds, each wrapping
// an underlying cause, so callers can branch on Kind() instead of
// string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds in the taxonomy.
type Kind string

const (
	InvalidRequest        Kind = "invalid_request"
	InvalidConfiguration  Kind = "invalid_configuration"
	NotFound              Kind = "not_found"
	Conflict              Kind = "conflict"
	ResourceExhausted     Kind = "resource_exhausted"
	ExecutionTimeout      Kind = "execution_timeout"
	RuntimeError          Kind = "runtime_error"
	UnsupportedOperation  Kind = "unsupported_operation"
	IoError               Kind = "io_error"
	SerializationError    Kind = "serialization_error"
)

// Error is a typed, wrapped error carrying one Kind.
type Error struct {
	kind      Kind
	message   string
	cause     error
	timeoutMs int64 // only meaningful for ExecutionTimeout
	entity    string // only meaningful for NotFound ("artifact"|"task"|"instance"|"node")
	op        string // only meaningful for UnsupportedOperation
	runtime   string // only meaningful for UnsupportedOperation
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// TimeoutMs returns the timeout budget an ExecutionTimeout error carries.
func (e *Error) TimeoutMs() int64 { return e.timeoutMs }

// Entity returns the entity kind a NotFound error carries.
func (e *Error) Entity() string { return e.entity }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, message: msg, cause: cause}
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, msg string) *Error { return newErr(kind, msg, nil) }

// Wrap constructs an Error wrapping cause. If cause is nil, Wrap returns nil.
func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return newErr(kind, msg, cause)
}

// NewNotFound builds a NotFound error for the given entity kind and id.
func NewNotFound(entity, id string) *Error {
	e := newErr(NotFound, fmt.Sprintf("%s %q not found", entity, id), nil)
	e.entity = entity
	return e
}

// NewExecutionTimeout builds an ExecutionTimeout error for the given budget.
func NewExecutionTimeout(timeoutMs int64) *Error {
	e := newErr(ExecutionTimeout, fmt.Sprintf("execution timed out after %dms", timeoutMs), nil)
	e.timeoutMs = timeoutMs
	return e
}

// NewUnsupportedOperation builds an UnsupportedOperation error.
func NewUnsupportedOperation(op, runtimeType string) *Error {
	e := newErr(UnsupportedOperation, fmt.Sprintf("operation %q not supported by runtime %s", op, runtimeType), nil)
	e.op = op
	e.runtime = runtimeType
	return e
}

// Is reports whether err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}
