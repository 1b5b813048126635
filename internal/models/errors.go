package models

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned by the store layer when the shared
// key-value store cannot be reached. Every consumer fails closed on it:
// caches report a miss, sampling denies, dispatch suppresses.
var ErrStoreUnavailable = errors.New("shared store unavailable")

// ErrCorruptCacheEntry marks an entry that failed to decode on read.
// The cache deletes the entry and reports a miss; callers never see
// partial data.
var ErrCorruptCacheEntry = errors.New("corrupt cache entry")

// ValidationError reports a rejected input: an unknown response type, an
// oversized payload, or an out-of-range configuration value. Validation
// failures are synchronous and never partially applied.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalCallError wraps a failure from the external inference service
// (timeout, provider error, malformed completion). The orchestrator
// converts it into a typed failure result instead of raising past its
// boundary.
type ExternalCallError struct {
	Provider string
	Cause    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call to %s failed: %v", e.Provider, e.Cause)
}

func (e *ExternalCallError) Unwrap() error { return e.Cause }
