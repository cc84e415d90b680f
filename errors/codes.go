package errors

// ErrorCategory classifies errors by how a caller should react to them.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, coordinator unreachable, node not joined yet.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: unknown task, invalid state transition, invalid params.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout         ErrorCode = "TIMEOUT"          // Request timed out
	ErrCodeUnavailable     ErrorCode = "UNAVAILABLE"      // Coordinator or transport unavailable
	ErrCodeNodeUnavailable ErrorCode = "NODE_UNAVAILABLE" // Local node identity cannot be resolved

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Task does not exist
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Transition not allowed from current state
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed request or params
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Task identity already taken
	ErrCodeUnknownAction ErrorCode = "UNKNOWN_ACTION" // No task type registered for the action
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Task was cancelled
	ErrCodeTaskFailed    ErrorCode = "TASK_FAILED"    // Task reported a failure

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored record cannot be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNodeUnavailable:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeUnknownAction, ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:         "request timed out",
	ErrCodeUnavailable:     "coordinator unavailable",
	ErrCodeNodeUnavailable: "local node unavailable",
	ErrCodeNotFound:        "task not found",
	ErrCodeConflict:        "invalid state transition",
	ErrCodeInvalidInput:    "invalid input provided",
	ErrCodeAlreadyExists:   "task already exists",
	ErrCodeUnknownAction:   "unknown action",
	ErrCodeCanceled:        "task canceled",
	ErrCodeTaskFailed:      "task execution failed",
	ErrCodeInternal:        "internal error",
	ErrCodeCorruption:      "corrupted task record",
	ErrCodePanic:           "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
