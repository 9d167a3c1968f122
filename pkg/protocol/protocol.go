package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the wire protocol version exchanged during registration.
const Version = "1"

// Error codes carried in Response error frames.
const (
	CodeProtocolError      = "PROTOCOL_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeAlreadyRegistered  = "ALREADY_REGISTERED"
	CodeToolForbidden      = "TOOL_FORBIDDEN"
	CodeBackpressure       = "BACKPRESSURE"
	CodeValidation         = "VALIDATION"
	CodeInternal           = "INTERNAL"

	// CodeCancelled marks a run that was interrupted before finishing.
	// It appears in run.completed payloads and abort responses.
	CodeCancelled = "CANCELLED"
)

// ErrorInfo is the wire form of a coded error inside a Response frame.
type ErrorInfo struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Error is a coded error. Handlers return it so the dispatcher can echo
// the code to the caller; anything else maps to INTERNAL.
type Error struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a coded error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the error code, defaulting to INTERNAL for plain errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// InfoOf converts any error into its wire form. Plain errors become
// INTERNAL with an opaque message so internals never leak to callers.
func InfoOf(err error) *ErrorInfo {
	var pe *Error
	if errors.As(err, &pe) {
		return &ErrorInfo{Code: pe.Code, Message: pe.Message, Details: pe.Details}
	}
	return &ErrorInfo{Code: CodeInternal, Message: "internal error"}
}

// AsError converts an ErrorInfo back into a coded error.
func (e *ErrorInfo) AsError() *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details}
}
