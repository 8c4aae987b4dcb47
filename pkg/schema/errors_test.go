package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowError_Render(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad input")
	assert.Equal(t, "[VALIDATION_ERROR] bad input", err.Error())

	err = err.WithStep("fetch")
	assert.Equal(t, "[VALIDATION_ERROR] step fetch: bad input", err.Error())
}

func TestFlowError_Formatted(t *testing.T) {
	err := NewErrorf(ErrCodeNotFound, "workflow %q not registered", "orders")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Contains(t, err.Message, `"orders"`)
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestFlowError_Details(t *testing.T) {
	err := NewError(ErrCodeValidation, "boundary rejected").
		WithDetails(map[string]any{"violations": []string{"/amount: too small"}})
	require.NotNil(t, err.Details)
	assert.Len(t, err.Details["violations"], 1)
}

// --- AsFlowError ---

func TestAsFlowError_Nil(t *testing.T) {
	assert.Nil(t, AsFlowError(nil, ErrCodeExecution))
}

func TestAsFlowError_Passthrough(t *testing.T) {
	orig := NewError(ErrCodeConflict, "busy")
	got := AsFlowError(orig, ErrCodeExecution)
	assert.Same(t, orig, got)
}

func TestAsFlowError_UnwrapsChain(t *testing.T) {
	orig := NewError(ErrCodeNotFound, "missing")
	wrapped := fmt.Errorf("lookup failed: %w", orig)
	got := AsFlowError(wrapped, ErrCodeExecution)
	assert.Same(t, orig, got, "a wrapped FlowError keeps its original code")
	assert.Equal(t, ErrCodeNotFound, got.Code)
}

func TestAsFlowError_WrapsForeign(t *testing.T) {
	foreign := errors.New("boom")
	got := AsFlowError(foreign, ErrCodeStepFailed)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeStepFailed, got.Code)
	assert.Equal(t, "boom", got.Message)
	assert.ErrorIs(t, got, foreign)
}
