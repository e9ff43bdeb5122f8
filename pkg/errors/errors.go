package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorType represents the type of resolution error
type ErrorType string

const (
	// Structural errors
	ErrorTypeCircularDependency ErrorType = "CIRCULAR_DEPENDENCY"
	ErrorTypeNotRegistered      ErrorType = "NOT_REGISTERED"
	ErrorTypeValidation         ErrorType = "VALIDATION"

	// Construction errors
	ErrorTypeConstructionFailed    ErrorType = "CONSTRUCTION_FAILED"
	ErrorTypeDependencyUnavailable ErrorType = "DEPENDENCY_UNAVAILABLE"
	ErrorTypeMaxRetriesExceeded    ErrorType = "MAX_RETRIES_EXCEEDED"
)

// ResolutionError represents a service-resolution error
type ResolutionError struct {
	Type       ErrorType              `json:"type"`
	Service    string                 `json:"service,omitempty"`
	Message    string                 `json:"message"`
	Cycle      []string               `json:"cycle,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StackTrace string                 `json:"-"`
}

// Error implements the error interface
func (e *ResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

// WithDetails adds error details
func (e *ResolutionError) WithDetails(details map[string]interface{}) *ResolutionError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *ResolutionError) WithCause(err error) *ResolutionError {
	e.Cause = err
	return e
}

// captureStackTrace captures the current stack trace
func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	stack := ""
	for {
		frame, more := frames.Next()
		stack += fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return stack
}

// Constructor functions for the resolution error taxonomy

// NewCircularDependency creates a circular dependency error carrying the full
// cycle path, ordered from the entry point back to itself.
func NewCircularDependency(cycle []string) *ResolutionError {
	service := ""
	if len(cycle) > 0 {
		service = cycle[0]
	}
	return &ResolutionError{
		Type:       ErrorTypeCircularDependency,
		Service:    service,
		Message:    fmt.Sprintf("circular dependency: %s", strings.Join(cycle, " -> ")),
		Cycle:      append([]string(nil), cycle...),
		StackTrace: captureStackTrace(),
	}
}

// NewConstructionFailed creates a construction failure wrapping the factory error
func NewConstructionFailed(service string, err error) *ResolutionError {
	return &ResolutionError{
		Type:       ErrorTypeConstructionFailed,
		Service:    service,
		Message:    fmt.Sprintf("construction of service '%s' failed", service),
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// NewDependencyUnavailable creates an error for a prerequisite that has
// already failed and has not been reset.
func NewDependencyUnavailable(service, dependency string) *ResolutionError {
	return &ResolutionError{
		Type:       ErrorTypeDependencyUnavailable,
		Service:    service,
		Message:    fmt.Sprintf("service '%s' requires '%s' which recently failed", service, dependency),
		Details:    map[string]interface{}{"dependency": dependency},
		StackTrace: captureStackTrace(),
	}
}

// NewMaxRetriesExceeded creates a terminal error after the retry budget is spent
func NewMaxRetriesExceeded(service string, attempts int, err error) *ResolutionError {
	return &ResolutionError{
		Type:       ErrorTypeMaxRetriesExceeded,
		Service:    service,
		Message:    fmt.Sprintf("service '%s' failed after %d attempts", service, attempts),
		Details:    map[string]interface{}{"attempts": attempts},
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// NewNotRegistered creates an error for an unknown service name
func NewNotRegistered(service string) *ResolutionError {
	return &ResolutionError{
		Type:       ErrorTypeNotRegistered,
		Service:    service,
		Message:    fmt.Sprintf("service '%s' is not registered", service),
		StackTrace: captureStackTrace(),
	}
}

// NewValidationError creates a registration validation error
func NewValidationError(message string) *ResolutionError {
	return &ResolutionError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Helper functions

// GetResolutionError extracts a ResolutionError from an error chain
func GetResolutionError(err error) *ResolutionError {
	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return resErr
	}
	return nil
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	resErr := GetResolutionError(err)
	return resErr != nil && resErr.Type == errType
}

// IsCircularDependency checks if an error is a circular dependency error
func IsCircularDependency(err error) bool {
	return IsType(err, ErrorTypeCircularDependency)
}

// IsConstructionFailed checks if an error is a construction failure
func IsConstructionFailed(err error) bool {
	return IsType(err, ErrorTypeConstructionFailed)
}

// IsDependencyUnavailable checks if an error is a dependency unavailable error
func IsDependencyUnavailable(err error) bool {
	return IsType(err, ErrorTypeDependencyUnavailable)
}

// IsMaxRetriesExceeded checks if an error is a retry budget exhaustion
func IsMaxRetriesExceeded(err error) bool {
	return IsType(err, ErrorTypeMaxRetriesExceeded)
}

// IsNotRegistered checks if an error is an unknown-service error
func IsNotRegistered(err error) bool {
	return IsType(err, ErrorTypeNotRegistered)
}

// IsRetryable reports whether a retry could ever help for this error.
// Cycles are deterministic and unavailable prerequisites stay unavailable
// until an explicit reset, so neither is retryable within a single call.
func IsRetryable(err error) bool {
	resErr := GetResolutionError(err)
	if resErr == nil {
		return true
	}
	switch resErr.Type {
	case ErrorTypeCircularDependency, ErrorTypeDependencyUnavailable,
		ErrorTypeNotRegistered, ErrorTypeValidation:
		return false
	}
	return true
}

// Wrap wraps an error with additional context. The original error is never
// modified; a resolution error result of a shared in-flight construction may
// be wrapped concurrently by every waiter.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	if resErr := GetResolutionError(err); resErr != nil {
		return &ResolutionError{
			Type:       resErr.Type,
			Service:    resErr.Service,
			Message:    fmt.Sprintf("%s: %s", message, resErr.Message),
			Cycle:      append([]string(nil), resErr.Cycle...),
			Details:    resErr.Details,
			Cause:      resErr.Cause,
			StackTrace: resErr.StackTrace,
		}
	}

	return &ResolutionError{
		Type:       ErrorTypeConstructionFailed,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}
