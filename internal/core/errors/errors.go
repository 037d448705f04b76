package errors

import (
	"errors"
	"fmt"
)

// HTTP error type vocabulary returned in ErrorResponse.ErrorType.
const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpValidationError     = "validation_failed"
	HttpStoreUnavailable    = "store_unavailable"
	HttpNotFoundError       = "not_found"
	HttpBadRangeError       = "invalid_range"
	HttpJobConflictError    = "job_conflict"
	HttpUnknownMetricError  = "unknown_metric"
	HttpUnknownJobTypeError = "unknown_job_type"
)

// ErrorResponse is the JSON error body for all pipeline endpoints.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// Pipeline outcome sentinels. These classify failures into the retry policy
// each caller applies; see the per-component handling rules.
var (
	// ErrNotFound is returned by stores when a key or row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLockHeld means another job instance owns the (jobType, period) lock.
	// Not a failure: the caller should skip the period, never retry-spin.
	ErrLockHeld = errors.New("period lock held by another run")
)

// ValidationError marks a malformed event: rejected, surfaced to the caller,
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError wraps a reason into a ValidationError.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientStoreError marks a timeout or unavailability on the fast or
// durable store. Retried with bounded backoff, then escalated (dead-letter
// for ingestion batches, FAILED/PARTIAL for aggregation jobs).
type TransientStoreError struct {
	Store string // "fast" | "durable"
	Op    string
	Err   error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientStoreError for the given store and op.
func Transient(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Store: store, Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}
