package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

var orderSchema = []byte(`{
	"type": "object",
	"required": ["order_id", "amount"],
	"properties": {
		"order_id": {"type": "string", "minLength": 1},
		"amount":   {"type": "number", "minimum": 0}
	}
}`)

func requireFlowError(t *testing.T, err error) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	return fe
}

func TestValidate_Pass(t *testing.T) {
	v := New()
	err := v.Validate("input", orderSchema, map[string]any{"order_id": "o-1", "amount": 10})
	require.NoError(t, err)
}

func TestValidate_EmptySchemaPasses(t *testing.T) {
	v := New()
	require.NoError(t, v.Validate("input", nil, map[string]any{"anything": true}))
	require.NoError(t, v.Validate("input", []byte{}, 42))
}

func TestValidate_MissingRequired(t *testing.T) {
	v := New()
	err := v.Validate("input", orderSchema, map[string]any{"order_id": "o-1"})
	fe := requireFlowError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, "input")
}

func TestValidate_ViolationPaths(t *testing.T) {
	v := New()
	err := v.Validate("step fetch output", orderSchema, map[string]any{"order_id": "", "amount": -5})
	fe := requireFlowError(t, err)
	require.NotNil(t, fe.Details)

	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, violations)

	joined := ""
	for _, v := range violations {
		joined += v + "\n"
	}
	assert.Contains(t, joined, "/order_id")
	assert.Contains(t, joined, "/amount")
}

func TestValidate_WrongType(t *testing.T) {
	v := New()
	err := v.Validate("input", orderSchema, "not an object")
	requireFlowError(t, err)
}

func TestValidate_InvalidSchema(t *testing.T) {
	v := New()
	err := v.Validate("input", []byte(`{"type": 12}`), map[string]any{})
	fe := requireFlowError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, "invalid schema")
}

func TestValidate_NonSerializableValue(t *testing.T) {
	v := New()
	err := v.Validate("input", orderSchema, map[string]any{"order_id": make(chan int)})
	requireFlowError(t, err)
}

func TestValidate_CacheReuse(t *testing.T) {
	v := New()
	for range 3 {
		require.NoError(t, v.Validate("input", orderSchema, map[string]any{"order_id": "o", "amount": 1}))
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidate_IntegerAsNumber(t *testing.T) {
	// Round-tripping through JSON must keep ints valid against "number".
	v := New()
	require.NoError(t, v.Validate("input", orderSchema, map[string]any{"order_id": "o", "amount": 100}))
}
