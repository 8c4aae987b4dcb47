package schema

import (
	"errors"
	"fmt"
)

// Error codes used across the engine. Transport layers map these to status codes.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeStepFailed = "STEP_FAILED"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeState      = "INVALID_STATE"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeCancelled  = "CANCELLED"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeTransition = "INVALID_TRANSITION"
)

// FlowError is the structured error type used throughout stepflow.
// It carries a machine-readable code, an optional step id, and free-form details.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// NewError creates a FlowError with the given code and message.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the id of the step where the error occurred.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches the underlying error for Unwrap chains.
func (e *FlowError) WithCause(cause error) *FlowError {
	e.Cause = cause
	return e
}

// WithDetails attaches structured detail data.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
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

// AsFlowError extracts a *FlowError from err, unwrapping as needed, and wraps
// foreign errors under the given fallback code.
func AsFlowError(err error, fallbackCode string) *FlowError {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
