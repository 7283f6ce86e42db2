package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfig            = "CONFIG_ERROR"
	ErrCodeOperation         = "OPERATION_ERROR"
	ErrCodeCondition         = "CONDITION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeVerification      = "VERIFICATION_FAILED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
)

// FlowError is the structured error type for every engine operation.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the first FlowError in err's chain, or "".
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// IsFatal reports whether err must never be retried. Configuration,
// condition, lookup and graph-shape errors describe the workflow itself;
// running it again cannot change the outcome.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeConfig, ErrCodeCondition, ErrCodeNotFound,
		ErrCodeInterpolation, ErrCodeCycleDetected, ErrCodeCancelled:
		return true
	}
	return false
}

// NotFoundError builds a NOT_FOUND error naming the missing key and the
// keys that were available at lookup time.
func NotFoundError(kind, key string, available []string) *FlowError {
	keys := append([]string(nil), available...)
	sort.Strings(keys)
	return NewErrorf(ErrCodeNotFound, "%s %q not found (available: [%s])",
		kind, key, strings.Join(keys, ", ")).
		WithDetails(map[string]any{"key": key, "available": keys})
}
