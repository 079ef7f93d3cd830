package tools

import (
	"errors"
	"fmt"
	"reflect"
)

// UnknownErrorType marks failures that carry no usable error type.
const UnknownErrorType = "UnknownError"

// TransportError is a connectivity, timeout or HTTP status failure.
type TransportError struct {
	Op         string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is a tool-specific argument or semantic violation.
// The model can recover by retrying with corrected arguments.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validationf creates a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ProtocolError is an unknown tool, unsupported call type or malformed payload.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// Protocolf creates a ProtocolError with a formatted message.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}

// UnknownError wraps a recovered panic value that is not an error.
type UnknownError struct {
	Value any
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown error: %v", e.Value)
}

// FromPanic converts a recovered panic value into an error.
func FromPanic(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return &UnknownError{Value: v}
}

// ErrorType names the failure class of err.
//
// Errors from this package's taxonomy win over whatever wraps them; any other
// error is named after its dynamic type.
func ErrorType(err error) string {
	if err == nil {
		return UnknownErrorType
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "ValidationError"
	}
	var protocol *ProtocolError
	if errors.As(err, &protocol) {
		return "ProtocolError"
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return "TransportError"
	}
	var unknown *UnknownError
	if errors.As(err, &unknown) {
		return UnknownErrorType
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return UnknownErrorType
	}
	return t.Name()
}

// StatusCode returns the HTTP status carried by a TransportError, if any.
func StatusCode(err error) *int {
	var transport *TransportError
	if errors.As(err, &transport) && transport.StatusCode > 0 {
		code := transport.StatusCode
		return &code
	}
	return nil
}

// IsRetryable reports whether retrying err could succeed.
// Validation and protocol errors never change on retry. Errors may opt out
// by implementing Retryable() bool.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var protocol *ProtocolError
	if errors.As(err, &protocol) {
		return false
	}
	var transport *TransportError
	if errors.As(err, &transport) && transport.StatusCode >= 400 && transport.StatusCode < 500 {
		return transport.StatusCode == 429
	}
	return true
}
