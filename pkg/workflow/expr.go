package workflow

import (
	"context"
	"sync"

	"github.com/calvera-dev/stepflow/internal/expressions"
	"github.com/calvera-dev/stepflow/pkg/schema"
)

// Shared engines: compiled-program caches are only useful when every
// definition in the process evaluates through the same instance.
var (
	celOnce sync.Once
	celEng  *expressions.CELEngine
	celErr  error

	exprOnce sync.Once
	exprEng  *expressions.ExprEngine

	jqOnce sync.Once
	jqEng  *expressions.GoJQEngine
)

func sharedCEL() (*expressions.CELEngine, error) {
	celOnce.Do(func() { celEng, celErr = expressions.NewCELEngine() })
	return celEng, celErr
}

func sharedExpr() *expressions.ExprEngine {
	exprOnce.Do(func() { exprEng = expressions.NewExprEngine() })
	return exprEng
}

func sharedJQ() *expressions.GoJQEngine {
	jqOnce.Do(func() { jqEng = expressions.NewGoJQEngine() })
	return jqEng
}

func exprEnv(data any, state *State) map[string]any {
	return map[string]any{
		"data":  data,
		"state": state.Env(),
	}
}

// CondExpr builds a Condition from a CEL expression over {data, state}.
// The expression must evaluate to a boolean; anything else, including a
// compile or evaluation failure, fails the step.
func CondExpr(expression string) Condition {
	return func(ctx context.Context, data any, state *State) (bool, error) {
		eng, err := sharedCEL()
		if err != nil {
			return false, schema.AsFlowError(err, schema.ErrCodeExecution)
		}
		out, err := eng.Evaluate(ctx, expression, exprEnv(data, state))
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"condition %q must evaluate to bool, got %T", expression, out)
		}
		return b, nil
	}
}

// TransformExpr creates a Function step whose output is the result of an
// expr-lang expression evaluated over {data, state}.
func TransformExpr(id, expression string) *Step {
	return Func(id, func(ctx context.Context, in *StepInput) (Outcome, error) {
		out, err := sharedExpr().Evaluate(ctx, expression, exprEnv(in.Data, in.State))
		if err != nil {
			return Outcome{}, err
		}
		return Continue(out), nil
	})
}

// TransformJQ creates a Function step whose output is the result of a jq
// program run against {data, state} as the input object.
func TransformJQ(id, expression string) *Step {
	return Func(id, func(ctx context.Context, in *StepInput) (Outcome, error) {
		out, err := sharedJQ().Evaluate(ctx, expression, exprEnv(in.Data, in.State))
		if err != nil {
			return Outcome{}, err
		}
		return Continue(out), nil
	})
}
