package analysis

import (
	"context"
	"errors"
	"fmt"

	"cardscan/internal/models"
)

// Func is the pluggable analysis routine: input bytes in, identified cards
// or a typed failure out. The worker only cares about the error class, not
// the algorithm behind it.
type Func func(ctx context.Context, data []byte, contentType string) ([]models.Card, error)

// RetryableError marks a transient failure (network, timeout, blob not yet
// available). The worker requeues the job with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a permanent failure (malformed input, unsupported
// content). The worker fails the job immediately, no retry.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Retryablef wraps a formatted error as retryable.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// Fatalf wraps a formatted error as fatal.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Fatal reports whether err is classified as permanent. Unclassified errors
// are treated as retryable: a transient cause is the safer default under
// at-least-once delivery.
func Fatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
