package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

func exprState() *State {
	return &State{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		Status:      schema.ExecutionRunning,
		UserID:      "u-1",
	}
}

// --- CondExpr (CEL) ---

func TestCondExpr_True(t *testing.T) {
	cond := CondExpr(`data.amount > 100.0`)
	ok, err := cond(context.Background(), map[string]any{"amount": 250.0}, exprState())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondExpr_False(t *testing.T) {
	cond := CondExpr(`data.amount > 100.0`)
	ok, err := cond(context.Background(), map[string]any{"amount": 10.0}, exprState())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCondExpr_StateAccess(t *testing.T) {
	cond := CondExpr(`state.user_id == "u-1"`)
	ok, err := cond(context.Background(), map[string]any{}, exprState())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondExpr_NonBool(t *testing.T) {
	cond := CondExpr(`data.amount`)
	_, err := cond(context.Background(), map[string]any{"amount": 5.0}, exprState())
	require.Error(t, err)
}

func TestCondExpr_CompileError(t *testing.T) {
	cond := CondExpr(`this is not CEL (`)
	_, err := cond(context.Background(), map[string]any{}, exprState())
	require.Error(t, err)
}

// --- TransformExpr (expr-lang) ---

func TestTransformExpr(t *testing.T) {
	step := TransformExpr("double", `{"doubled": data.amount * 2}`)
	in := &StepInput{Data: map[string]any{"amount": 21}, State: exprState()}

	out, err := step.Handler(context.Background(), in)
	require.NoError(t, err)
	require.False(t, out.Suspended())

	m, ok := out.Data().(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, m["doubled"])
}

func TestTransformExpr_EvalError(t *testing.T) {
	step := TransformExpr("bad", `data.amount +`)
	in := &StepInput{Data: map[string]any{"amount": 1}, State: exprState()}
	_, err := step.Handler(context.Background(), in)
	require.Error(t, err)
}

// --- TransformJQ (gojq) ---

func TestTransformJQ(t *testing.T) {
	step := TransformJQ("pick", `{id: .data.order_id, total: (.data.amount * 1.1)}`)
	in := &StepInput{Data: map[string]any{"order_id": "o-7", "amount": 100.0}, State: exprState()}

	out, err := step.Handler(context.Background(), in)
	require.NoError(t, err)

	m, ok := out.Data().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-7", m["id"])
	assert.InDelta(t, 110.0, m["total"], 0.001)
}

func TestTransformJQ_ParseError(t *testing.T) {
	step := TransformJQ("bad", `.data |`)
	in := &StepInput{Data: map[string]any{}, State: exprState()}
	_, err := step.Handler(context.Background(), in)
	require.Error(t, err)
}
