package engine

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers. Match with errors.Is.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidationFailed       = errors.New("validation failed")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrInternal               = errors.New("internal error")
)

// ErrorClass determines whether a failed invocation is worth retrying.
type ErrorClass int

const (
	// Transient errors (timeouts, network, remote overload) are retried.
	Transient ErrorClass = iota
	// Permanent errors (rejected requests) fail the execution immediately.
	Permanent
)

func (c ErrorClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// InvokerError wraps a failure from a workflow invocation with its retry class.
type InvokerError struct {
	Class ErrorClass
	Err   error
}

func (e *InvokerError) Error() string {
	return fmt.Sprintf("%s invoker error: %v", e.Class, e.Err)
}

func (e *InvokerError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable invoker failure.
func TransientError(err error) *InvokerError {
	return &InvokerError{Class: Transient, Err: err}
}

// PermanentError wraps err as a non-retryable invoker failure.
func PermanentError(err error) *InvokerError {
	return &InvokerError{Class: Permanent, Err: err}
}

// IsTransient reports whether an invocation error should be retried.
// Deadline expiry and unclassified errors count as transient; only an
// explicit Permanent classification rules a retry out.
func IsTransient(err error) bool {
	var ie *InvokerError
	if errors.As(err, &ie) {
		return ie.Class == Transient
	}
	return !errors.Is(err, context.Canceled)
}
