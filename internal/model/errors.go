package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a registration payload that failed a structural or
// numeric constraint. It is terminal: the offending registration is dropped,
// never retried.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError returns true if the error is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvariantError reports a violated programming invariant, such as FIFO
// eviction finding zero candidates after eviction was computed as necessary.
// It is not a recoverable runtime condition: the current unit of work must
// abort and the error propagate to the caller.
type InvariantError struct {
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Message
}

// NewInvariantError creates an InvariantError.
func NewInvariantError(format string, args ...any) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// IsInvariantError returns true if the error is an InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
