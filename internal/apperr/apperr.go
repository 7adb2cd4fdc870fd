// Package apperr provides the typed error taxonomy shared by the session,
// incentive and aggregate packages and mapped onto HTTP status codes by the API.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeConflict            Code = "CONFLICT"
	CodeAnalyzerUnavailable Code = "ANALYZER_UNAVAILABLE"
	CodeInvalidInput        Code = "INVALID_INPUT"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code, so
// errors.Is(err, apperr.ErrNotFound) works for any NotFound error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInvalidState        = &Error{Code: CodeInvalidState}
	ErrConflict            = &Error{Code: CodeConflict}
	ErrAnalyzerUnavailable = &Error{Code: CodeAnalyzerUnavailable}
	ErrInvalidInput        = &Error{Code: CodeInvalidInput}
)

// NotFound reports a missing template, respondent, session or incentive.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidState reports a transition attempted from a state that forbids it.
func InvalidState(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports a stale-state race or a duplicate.
func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// AnalyzerUnavailable wraps a transcript analysis failure.
func AnalyzerUnavailable(cause error) *Error {
	return &Error{Code: CodeAnalyzerUnavailable, Message: "transcript analyzer unavailable", Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
