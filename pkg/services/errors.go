package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session exists for a learner
	ErrNotFound = errors.New("session not found")

	// ErrShuttingDown is returned for requests arriving during shutdown
	ErrShuttingDown = errors.New("service is shutting down")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
