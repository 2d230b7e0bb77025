package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for categorizing errors
const (
	ErrConfig      = "CONFIG"      // invalid configuration, fatal at startup only
	ErrAuth        = "AUTH"        // the target rejected our credentials or API key
	ErrUnreachable = "UNREACHABLE" // transport failure reaching a target (refused, DNS, TLS, HTTP error)
	ErrTimeout     = "TIMEOUT"     // a bounded network call exceeded its deadline
	ErrParse       = "PARSE"       // a response could not be parsed into readings
	ErrStore       = "STORE"       // metrics store read/write/migration failure
)

// Error represents a structured error with code, message, suggestion, and optional cause.
// Rendered as:
//
//	✗ <What failed>
//
//	  <Why it failed - technical details>
//
//	  <How to fix it - actionable steps>
type Error struct {
	Code       string
	Message    string
	Suggestion string
	Cause      error

	// Retryable marks errors the caller may retry (pool exhaustion,
	// transient store failures). Auth expiry is handled by the client's
	// single re-auth retry and is not marked retryable here.
	Retryable bool
}

// New creates a new structured error with the given code, message, and suggestion.
func New(code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
	}
}

// Wrap wraps an existing error with a message under the given code.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapWithSuggestion wraps an existing error with a code, message, and suggestion.
func WrapWithSuggestion(err error, code, message, suggestion string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Suggestion: suggestion,
		Cause:      err,
	}
}

// Retryable returns a copy of e marked retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// Error implements the error interface with formatted output.
func (e *Error) Error() string {
	var b strings.Builder

	// First line: failure symbol + main message
	b.WriteString(fmt.Sprintf("✗ %s\n", e.Message))

	// Include cause if present (why it failed)
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Cause.Error()))
	}

	// Include suggestion if present (how to fix)
	if e.Suggestion != "" {
		b.WriteString(fmt.Sprintf("\n  %s\n", e.Suggestion))
	}

	return b.String()
}

// Unwrap returns the underlying cause for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCode checks if an error is a structured Error with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var fwErr *Error
	if errors.As(err, &fwErr) {
		return fwErr.Code == code
	}
	return false
}

// IsRetryable reports whether an error is a structured Error marked retryable.
func IsRetryable(err error) bool {
	var fwErr *Error
	if errors.As(err, &fwErr) {
		return fwErr.Retryable
	}
	return false
}

// CodeOf returns the code of a structured Error, or "" for other errors.
func CodeOf(err error) string {
	var fwErr *Error
	if errors.As(err, &fwErr) {
		return fwErr.Code
	}
	return ""
}
