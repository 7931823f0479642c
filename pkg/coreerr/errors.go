// Package coreerr provides structured error handling for eventcore.
//
// It defines a standard AppError type that includes:
//   - Error Code (standardized strings like SEQUENCE_CONFLICT, ALREADY_COMPLETED)
//   - Message (human-readable description)
//   - Underlying error (chaining, via Unwrap)
//
// Engine components raise AppError so callers can branch on Code without
// parsing message text.
package coreerr

import "fmt"

// Error codes raised by the engine.
const (
	CodeAlreadyCompleted = "ALREADY_COMPLETED"
	CodeNoInvalidHandler = "NO_INVALID_HANDLER"
	CodeSequenceConflict = "SEQUENCE_CONFLICT"
	CodeQueueClosed      = "QUEUE_CLOSED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeBailed           = "BAILED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInvalidMessage   = "INVALID_MESSAGE"
)

// AppError is the structured error type raised throughout the engine.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New constructs an AppError with the given code, message, and optional cause.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Wrap attaches a message to an existing error, preserving its code if it is
// already an AppError, otherwise tagging it UNAVAILABLE.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AppError); ok {
		return &AppError{Code: ae.Code, Message: message + ": " + ae.Message, Err: ae.Err}
	}
	return &AppError{Code: CodeUnavailable, Message: message, Err: err}
}

// Code returns the code of the first *AppError found along err's Unwrap
// chain (including the one a *SequenceConflictError embeds), or "" if
// there is none.
func Code(err error) string {
	var ae *AppError
	for err != nil {
		if a, ok := err.(*AppError); ok {
			ae = a
			break
		}
		if sc, ok := err.(*SequenceConflictError); ok && sc.AppError != nil {
			ae = sc.AppError
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ae == nil {
		return ""
	}
	return ae.Code
}

// SequenceConflictError is the distinguished conflict error: a detected
// stale write, either due to epoch advancement or two handlers branching
// off the same loaded state.
type SequenceConflictError struct {
	*AppError
	Key            string
	ActualEpoch    int
	ExpectedEpoch  int
	ActualSeqNum   int64
	ExpectedSeqNum int64
	retryable      bool
}

// NewSequenceConflictError builds a SequenceConflictError. Sequence
// conflicts are always retryable at construction time; callers may
// downgrade retryability via NonRetryable when a downstream sink failure
// makes the store side unsafe to retry.
func NewSequenceConflictError(key, message string) *SequenceConflictError {
	return &SequenceConflictError{
		AppError:  New(CodeSequenceConflict, message, nil),
		Key:       key,
		retryable: true,
	}
}

// Retryable reports whether this conflict may still be retried.
func (e *SequenceConflictError) Retryable() bool {
	return e.retryable
}

// NonRetryable returns a copy of this conflict marked non-retryable,
// used by the sink coordinator when a non-idempotent store sink's
// downstream publish failed.
func (e *SequenceConflictError) NonRetryable() *SequenceConflictError {
	clone := *e
	clone.retryable = false
	return &clone
}

// IsSequenceConflict reports whether err is, or wraps, a SequenceConflictError.
func IsSequenceConflict(err error) bool {
	for err != nil {
		if _, ok := err.(*SequenceConflictError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AsSequenceConflict unwraps err looking for a *SequenceConflictError.
func AsSequenceConflict(err error) (*SequenceConflictError, bool) {
	for err != nil {
		if sc, ok := err.(*SequenceConflictError); ok {
			return sc, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
