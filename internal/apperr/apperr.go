package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, machine-checkable class of a failure.
type Kind string

const (
	KindInvalid      Kind = "INVALID"
	KindConflict     Kind = "CONFLICT"
	KindNotFound     Kind = "NOT_FOUND"
	KindForbidden    Kind = "FORBIDDEN"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindUnavailable  Kind = "SERVICE_UNAVAILABLE"
	KindInternal     Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Invalid(msg string) error      { return New(KindInvalid, msg) }
func Conflict(msg string) error     { return New(KindConflict, msg) }
func NotFound(msg string) error     { return New(KindNotFound, msg) }
func Forbidden(msg string) error    { return New(KindForbidden, msg) }
func Unauthorized(msg string) error { return New(KindUnauthorized, msg) }

func Unavailable(msg string, cause error) error {
	return Wrap(KindUnavailable, msg, cause)
}

func Internal(msg string, cause error) error {
	return Wrap(KindInternal, msg, cause)
}

// KindOf reports the kind of err. Errors that do not carry a Kind are
// treated as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human-readable reason for err. Internal failures
// never leak their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "Internal server error"
}

// HTTPStatus maps a kind to the status class the REST surface answers with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
