package delivery

import (
	"errors"
	"fmt"
	"time"

	"newsletterd/internal/transport"
)

// Permanent marks a transport error as non-retryable.
//
// Example:
//
//	return delivery.Permanent(fmt.Errorf("mailbox disabled: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string   { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error   { return e.err }
func (e permanentError) Permanent() bool { return true }

// RetryAfter provides a suggested delay before retrying.
//
// The worker respects the hint (bounded by RetryMaxDelay) and still applies
// jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrInvalidRecipient) {
		return true
	}
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// retryHint returns the delay suggested by err, if any.
func retryHint(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if err == nil || !errors.As(err, &ra) {
		return 0, false
	}
	d := ra.RetryAfter()
	if d <= 0 {
		return 0, false
	}
	return d, true
}
