// Package apperrors provides the typed error vocabulary shared by every
// layer of the service. Handlers map codes to HTTP statuses; services
// return them; repositories wrap driver errors into them.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP mapping.
type Code string

const (
	// CodeValidation marks a malformed condition tree or bad input caught
	// at authoring/entry time.
	CodeValidation Code = "VALIDATION"
	// CodeForbidden marks an actor that fails an approver/requester match.
	CodeForbidden Code = "FORBIDDEN"
	// CodeInvalidState marks an action attempted on a request whose status
	// does not permit it.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeNotFound marks a missing record or an absent applicable
	// policy/flow. A legitimate business outcome, never retried.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConfiguration marks broken flow/policy setup data (for example a
	// flow with zero applicable steps). Fatal until an administrator fixes
	// the data.
	CodeConfiguration Code = "CONFIGURATION"
	// CodeConflict marks a lost optimistic race (row changed under us).
	CodeConflict Code = "CONFLICT"
	// CodeInternal marks everything else.
	CodeInternal Code = "INTERNAL"
)

// Error is the concrete error type carried across layers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing record of the given kind.
func NotFound(kind, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", kind, id)
}

// Forbidden reports an actor that is not eligible for the attempted action.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message)
}

// InvalidState reports an action attempted against an incompatible status.
func InvalidState(message string) *Error {
	return New(CodeInvalidState, message)
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return Newf(CodeValidation, "invalid %s: %s", field, message)
}

// Configuration reports broken policy/flow setup data.
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to the HTTP status handlers respond with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
