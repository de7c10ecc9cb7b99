package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates that an external inference backend stayed
	// unavailable after all retries were exhausted. It is distinct from a
	// call that succeeded but returned unusable content.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInternalError indicates an internal server error.
	ErrInternalError = errors.New("internal error")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// UnavailableError provides details about an exhausted backend.
type UnavailableError struct {
	// Backend names the failing service (e.g. "completion", "embedding").
	Backend string
	// Attempts is the number of attempts made before giving up.
	Attempts int
	// Cause is the last error observed.
	Cause error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable after %d attempts: %v", e.Backend, e.Attempts, e.Cause)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewUnavailableError creates a new UnavailableError.
func NewUnavailableError(backend string, attempts int, cause error) *UnavailableError {
	return &UnavailableError{
		Backend:  backend,
		Attempts: attempts,
		Cause:    cause,
	}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}
