package newsletter

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyRunning = errors.New("job already running")
	ErrResolution     = errors.New("recipient resolution failed")
	ErrTransport      = errors.New("transport failed")
	ErrNotReady       = errors.New("job has non-terminal attempts")
	ErrNotCancellable = errors.New("job is not pending")
)

// ValidationError names the rejected field. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// ResolutionError wraps a directory failure. It matches ErrResolution.
func ResolutionError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrResolution, err)
}
