package tabula

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for transport mapping. Codes are stable wire
// values; adapters translate them to protocol-specific statuses.
type Code string

// All error codes.
const (
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeTenantIsolation Code = "TENANT_ISOLATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeRateLimit       Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeDatabase        Code = "DATABASE_ERROR"
)

// Standard sentinel errors for common outcomes. Typed errors below
// match them through errors.Is.
var (
	// ErrNotFound is returned when no record satisfies an id or filter.
	ErrNotFound = errors.New("tabula: record not found")

	// ErrForbidden is returned when the caller's role set denies the operation.
	ErrForbidden = errors.New("tabula: operation forbidden")

	// ErrUnauthorized is returned when the request carries no identity.
	ErrUnauthorized = errors.New("tabula: missing identity")

	// ErrInvalidRequest is returned for malformed envelopes, unknown
	// operations, operators, objects, or fields.
	ErrInvalidRequest = errors.New("tabula: invalid request")

	// ErrConflict is returned on unique constraint breaches and stale
	// state transitions.
	ErrConflict = errors.New("tabula: conflict")

	// ErrTxStarted is returned when attempting to start a transaction
	// within an existing transaction.
	ErrTxStarted = errors.New("tabula: cannot start a transaction within a transaction")

	// ErrEngineStarted is returned when mutating engine composition
	// after Start.
	ErrEngineStarted = errors.New("tabula: engine already started")
)

// Error is the uniform error surfaced to callers. Code selects the
// transport mapping, Message is human-readable, and Details carries
// structured context (for example the per-field validation map).
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	wrap error
}

// Error returns the error string.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tabula: %s: %s", strings.ToLower(string(e.Code)), e.Message)
	}
	return fmt.Sprintf("tabula: %s", strings.ToLower(string(e.Code)))
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.wrap }

// Is reports whether the target matches the sentinel for the error code.
// This allows errors.Is(err, tabula.ErrNotFound) and friends.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == CodeNotFound
	case ErrForbidden:
		return e.Code == CodeForbidden || e.Code == CodeTenantIsolation
	case ErrUnauthorized:
		return e.Code == CodeUnauthorized
	case ErrInvalidRequest:
		return e.Code == CodeInvalidRequest
	case ErrConflict:
		return e.Code == CodeConflict
	}
	return false
}

// WithDetail returns the error with a detail entry set.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewError returns a new Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError returns a new Error wrapping err. If err already is an
// *Error it is returned unchanged so classification survives layering.
func WrapError(code Code, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: code, Message: err.Error(), wrap: err}
}

// Invalidf returns an INVALID_REQUEST error.
func Invalidf(format string, a ...any) *Error {
	return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf(format, a...)}
}

// NotFoundf returns a NOT_FOUND error.
func NotFoundf(format string, a ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, a...)}
}

// Forbiddenf returns a FORBIDDEN error.
func Forbiddenf(format string, a ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, a...)}
}

// Unauthorizedf returns an UNAUTHORIZED error.
func Unauthorizedf(format string, a ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, a...)}
}

// Conflictf returns a CONFLICT error.
func Conflictf(format string, a ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, a...)}
}

// Internalf returns an INTERNAL_ERROR error.
func Internalf(format string, a ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, a...)}
}

// CodeOf extracts the error code, defaulting to INTERNAL_ERROR for
// unclassified failures. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrConflict):
		return CodeConflict
	}
	return CodeInternal
}

// IsNotFound reports whether the error classifies as NOT_FOUND.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || CodeOf(err) == CodeNotFound)
}

// IsForbidden reports whether the error classifies as FORBIDDEN or
// TENANT_ISOLATION_ERROR.
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	c := CodeOf(err)
	return c == CodeForbidden || c == CodeTenantIsolation || errors.Is(err, ErrForbidden)
}

// IsValidation reports whether the error classifies as VALIDATION_ERROR.
func IsValidation(err error) bool {
	return err != nil && CodeOf(err) == CodeValidation
}

// IsInvalidRequest reports whether the error classifies as INVALID_REQUEST.
func IsInvalidRequest(err error) bool {
	return err != nil && CodeOf(err) == CodeInvalidRequest
}

// IsConflict reports whether the error classifies as CONFLICT.
func IsConflict(err error) bool {
	return err != nil && CodeOf(err) == CodeConflict
}

// RollbackError wraps the error that triggered a rollback together with
// the rollback failure itself.
type RollbackError struct {
	Cause    error // error that triggered the rollback
	Rollback error // error returned by the rollback itself
}

// Error returns the error string.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("tabula: rollback failed: %v (caused by: %v)", e.Rollback, e.Cause)
}

// Unwrap returns the error that triggered the rollback.
func (e *RollbackError) Unwrap() error { return e.Cause }
