package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation references an unknown
	// provider or entity.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when an optimistic-concurrency update lost the
	// race and bounded retries were exhausted.
	ErrConflict = errors.New("concurrent update conflict")
)

// ValidationError reports an operator or programmer error: a missing required
// reason, an unknown mode, an out-of-range configuration value. Validation
// errors are never retried and the operation has no side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DependencyError reports that an external collaborator (persistence,
// notification) was unreachable or timed out. Reads leave state unchanged;
// writes abort with no partial mutation.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError wraps err as a DependencyError for the named dependency.
func NewDependencyError(dependency string, err error) *DependencyError {
	return &DependencyError{Dependency: dependency, Err: err}
}

// IsDependency reports whether err is (or wraps) a DependencyError.
func IsDependency(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}
