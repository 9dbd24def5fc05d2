package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeStore      = "STORE_ERROR"
)

// CrewError is the structured error type for all crewline operations.
type CrewError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *CrewError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CrewError) Unwrap() error {
	return e.Cause
}

// NewError creates a new CrewError.
func NewError(code, message string) *CrewError {
	return &CrewError{Code: code, Message: message}
}

// NewErrorf creates a new CrewError with a formatted message.
func NewErrorf(code, format string, args ...any) *CrewError {
	return &CrewError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *CrewError) WithStep(stepID string) *CrewError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *CrewError) WithCause(err error) *CrewError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *CrewError) WithDetails(details map[string]any) *CrewError {
	e.Details = details
	return e
}
