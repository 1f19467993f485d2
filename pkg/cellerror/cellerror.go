// Package cellerror defines the error taxonomy for inter-cell calls. Every
// failure surfaced by the gateway carries one of these stable codes so
// callers can program against them.
package cellerror

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Code is a machine-readable error classification string.
type Code string

// Gateway error codes. These form a public API contract; callers program
// against these stable codes. Do not rename or remove existing codes.
// Non-2xx destination responses use HTTPCode (e.g. "HTTP_503").
const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeResponseValidation Code = "RESPONSE_VALIDATION_ERROR"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// HTTPCode returns the code for a non-2xx destination status, e.g. HTTP_503.
func HTTPCode(status int) Code {
	return Code("HTTP_" + strconv.Itoa(status))
}

// HTTPStatus extracts the status from an HTTP_{status} code. Returns 0 for
// any other code.
func HTTPStatus(c Code) int {
	s, ok := strings.CutPrefix(string(c), "HTTP_")
	if !ok {
		return 0
	}
	status, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return status
}

// Error is the single error type returned for failed inter-cell calls. A
// call either fully succeeds with a validated response or fails with one of
// these; there are no partial outcomes.
type Error struct {
	Code          Code
	Message       string
	Cell          string // destination identifier, "domain/name"
	Operation     string
	CorrelationID string
	Status        int  // HTTP status from the destination, 0 if none received
	Retryable     bool // whether the retry executor may re-attempt this
	Attempts      int  // physical attempts made before this error was final
	Details       map[string]any
	cause         error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error wrapping an underlying cause. The cause remains
// reachable via errors.Is / errors.As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Cell != "" {
		fmt.Fprintf(&b, " cell=%s", e.Cell)
	}
	if e.Operation != "" {
		fmt.Fprintf(&b, " operation=%s", e.Operation)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality so errors.Is(err, cellerror.New(code, "")) works
// with sentinel-style comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the gateway code carried by err, or empty if err is not a
// gateway error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is a transient failure the retry executor
// may re-attempt: network errors, per-attempt timeouts, and HTTP 5xx. 4xx
// responses indicate a caller bug and are never retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Retryable
}

// AsError returns err as *Error if it carries one, or nil.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
