package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidTransition = errors.New("invalid status transition")

	ErrInsightTerminal = errors.New("insight is in a terminal status")

	ErrOpenInsightExists = errors.New("an open insight with this signature exists")

	ErrBackoff = errors.New("replay deferred by backoff")

	ErrClosed = errors.New("component stopped")
)

// NetworkError is a flush or replay I/O failure. Batches that fail with it
// are kept in the offline log and retried.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError marks a malformed event or request. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// StorageQuotaError reports events evicted from the offline log because the
// retention bound was reached.
type StorageQuotaError struct {
	Evicted  int
	Retained int
	Max      int
}

func (e *StorageQuotaError) Error() string {
	return fmt.Sprintf("offline log at capacity: evicted %d events, retained %d of max %d", e.Evicted, e.Retained, e.Max)
}

// EngineRuleError wraps the failure of a single insight detector or rule.
type EngineRuleError struct {
	Rule string
	Err  error
}

func (e *EngineRuleError) Error() string {
	return fmt.Sprintf("insight rule %s failed: %v", e.Rule, e.Err)
}

func (e *EngineRuleError) Unwrap() error {
	return e.Err
}

// Network wraps err as a NetworkError for op.
func Network(op string, err error) error {
	return &NetworkError{Op: op, Err: err}
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether a failed delivery should be kept for replay.
// Anything that is not a validation failure is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err)
}
