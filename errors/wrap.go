package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code and context are kept.
// Otherwise, context errors map to TIMEOUT/CANCELED and the rest to INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var taskErr *Error
	if errors.As(err, &taskErr) {
		wrapped := &Error{
			code:      taskErr.code,
			category:  taskErr.category,
			message:   message,
			cause:     err,
			metadata:  taskErr.Metadata(),
			retryable: taskErr.retryable,
			timestamp: taskErr.timestamp,
			nodeID:    taskErr.nodeID,
			taskID:    taskErr.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// From converts any error into an *Error suitable for the wire.
// An *Error in the chain is returned as is; anything else becomes
// a TASK_FAILED error wrapping err with err's message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr
	}
	return New(ErrCodeTaskFailed, err.Error(), WithCause(err))
}

// AsTaskError extracts a TaskError from an error chain.
// Returns nil if none is found.
func AsTaskError(err error) TaskError {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are not.
func IsRetryable(err error) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.Retryable()
	}
	return false
}

// IsTransient checks if the error is transient.
func IsTransient(err error) bool {
	return IsCategory(err, CategoryTransient)
}

// IsPermanent checks if the error is permanent.
func IsPermanent(err error) bool {
	return IsCategory(err, CategoryPermanent)
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.code
	}
	return ""
}

// Cause returns the root cause of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
