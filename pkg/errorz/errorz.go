// Package errorz defines the error taxonomy shared by the authorization gate,
// the store layer and the transports.
//
// Every failure that reaches a caller is one of four kinds: a malformed
// request, a missing resource, an insufficiently privileged actor, or a
// persistence failure. Transports map the kind to an HTTP status or a
// websocket error code; the reason text is safe to show to the caller.
package errorz

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrStore           = errors.New("store failure")
)

// Error attaches a caller-facing reason and an optional cause to one of the
// sentinel kinds above.
type Error struct {
	kind   error
	reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.reason)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Reason returns the caller-facing message without the cause.
func (e *Error) Reason() string { return e.reason }

func newf(kind error, format string, args ...any) *Error {
	return &Error{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// InvalidRequest reports a malformed or missing identifier or payload.
func InvalidRequest(format string, args ...any) error {
	return newf(ErrInvalidRequest, format, args...)
}

// NotFound reports a well-formed identifier with no matching resource.
func NotFound(format string, args ...any) error {
	return newf(ErrNotFound, format, args...)
}

// Forbidden reports an authenticated actor lacking the required role.
func Forbidden(format string, args ...any) error {
	return newf(ErrForbidden, format, args...)
}

// Unauthenticated reports a credential that could not be verified.
func Unauthenticated(format string, args ...any) error {
	return newf(ErrUnauthenticated, format, args...)
}

// Store wraps a persistence failure. Store errors are retryable.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{kind: ErrStore, reason: op, cause: err}
}

// Is reports whether err carries the given kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrStore)
}

// ReasonOf returns the caller-facing reason for err. Errors outside the
// taxonomy are reported generically so internal detail never leaks.
func ReasonOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		if errors.Is(typed.kind, ErrStore) {
			return "storage temporarily unavailable"
		}
		return typed.reason
	}
	return "internal error"
}

// HTTPStatus maps err onto a status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code maps err onto the websocket error code vocabulary.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_ARGUMENT"
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStore):
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// FromCode rebuilds an error from a websocket error code and reason, so a
// client can test the result with errors.Is like a server-side caller.
func FromCode(code, reason string) error {
	switch code {
	case "INVALID_ARGUMENT":
		return newf(ErrInvalidRequest, "%s", reason)
	case "UNAUTHENTICATED":
		return newf(ErrUnauthenticated, "%s", reason)
	case "FORBIDDEN":
		return newf(ErrForbidden, "%s", reason)
	case "NOT_FOUND":
		return newf(ErrNotFound, "%s", reason)
	case "UNAVAILABLE":
		return newf(ErrStore, "%s", reason)
	default:
		return fmt.Errorf("%s: %s", code, reason)
	}
}
