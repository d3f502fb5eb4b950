// Package forgeerrors defines the structured error kinds every component
// of the scheduling plane returns, and the one switch table that maps them
// to HTTP status codes for both the REST and WebSocket surfaces.
package forgeerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for status-code mapping and retry decisions.
type Kind string

const (
	Validation         Kind = "validation_error"
	Auth               Kind = "auth_error"
	NotFound           Kind = "not_found"
	Capacity           Kind = "capacity"
	Timeout            Kind = "timeout"
	RuntimeUnavailable Kind = "runtime_unavailable"
	BuildRequired      Kind = "build_required"
	Internal           Kind = "internal_error"
)

// Error is the structured error every component returns instead of a bare
// error string, so the API Surface can map it to a status code and the
// Job Executor can record it verbatim on the queue row.
type Error struct {
	Kind    Kind
	Message string
	Field   string // set for Validation errors: the offending field path.
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is compare two *Error values by Kind rather than
// identity, so a sentinel like New(NotFound, "") matches any NotFound.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func ValidationField(field, message string) *Error {
	return &Error{Kind: Validation, Field: field, Message: message}
}

// KindOf extracts the Kind of err, defaulting to Internal when err is not
// a *Error (an uncaught dependency failure).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus is the one Kind-to-status switch table, shared by every
// handler.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Capacity:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusRequestTimeout
	case RuntimeUnavailable:
		return http.StatusBadGateway
	case BuildRequired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
