// Package validation checks decoded JSON-RPC envelopes before they reach the
// protocol server: structure, method allow-listing, and sanitising
// client-supplied strings before they are logged or echoed back.
package validation

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes returned by the gateway itself.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternalError  = -32603
)

// ValidationError is a rejected envelope. Message is safe to send to the
// client verbatim.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error %d: %s", e.Code, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(code int, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

// AsValidationError unwraps err into a ValidationError. Errors of any other
// type are reported as a generic -32600 so internal detail never reaches
// the client.
func AsValidationError(err error) *ValidationError {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr
	}
	return NewValidationError(ErrCodeInvalidRequest, "Invalid Request")
}
