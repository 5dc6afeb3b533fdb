package renosync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by GetRecord when the external system has no
	// row for the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrRateLimited marks a 429 from the external system. Retryable.
	ErrRateLimited = errors.New("rate limited")
)

// TransientError wraps a network or 5xx failure that is worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError aborts the current run. Records already committed stay valid.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// MappingError reports one required field that was missing or ill-shaped.
// Per-record: the run records it and moves on.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping field %q: %s", e.Field, e.Reason)
}

// ExtractionError reports one unreadable document. Per-document.
type ExtractionError struct {
	Cause error
}

func (e *ExtractionError) Error() string { return "extract text: " + e.Cause.Error() }
func (e *ExtractionError) Unwrap() error { return e.Cause }

func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *TransientError
	return errors.As(err, &te)
}
