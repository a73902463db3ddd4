package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors into the taxonomy callers are
// expected to branch on. Kinds are stable strings, not types.
type ErrorKind string

const (
	// ErrInvalidScope indicates missing or malformed scope fields.
	ErrInvalidScope ErrorKind = "invalid_scope"
	// ErrValidation indicates an argument schema violation.
	ErrValidation ErrorKind = "validation_error"
	// ErrNotFound indicates an unknown memory id within the caller's scope.
	ErrNotFound ErrorKind = "not_found"
	// ErrInvalidStateTransition indicates an illegal memory state change.
	ErrInvalidStateTransition ErrorKind = "invalid_state_transition"
	// ErrEmbed indicates an embedding provider failure after retries.
	ErrEmbed ErrorKind = "embed_error"
	// ErrPlan indicates a provider error or schema violation on a plan call.
	ErrPlan ErrorKind = "plan_error"
	// ErrStore indicates a vector or graph store read/write failure.
	ErrStore ErrorKind = "store_error"
	// ErrTimeout indicates a per-operation deadline was exceeded.
	ErrTimeout ErrorKind = "timeout"
	// ErrOverloaded indicates the LLM concurrency cap or session cap was hit.
	ErrOverloaded ErrorKind = "overloaded"
	// ErrPartialFailure indicates an add applied some operations but not all.
	ErrPartialFailure ErrorKind = "partial_failure"
)

// retriableKinds lists the kinds a caller may retry after backoff.
var retriableKinds = map[ErrorKind]bool{
	ErrEmbed:      true,
	ErrPlan:       true,
	ErrStore:      true,
	ErrTimeout:    true,
	ErrOverloaded: true,
}

// Error is the structured error surfaced by the engine and the stores.
// It carries a kind for classification, an operator-facing message and
// optional details for the response body.
type Error struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retriable reports whether the caller may retry the operation.
func (e *Error) Retriable() bool {
	return retriableKinds[e.Kind]
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates an error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the error kind, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
