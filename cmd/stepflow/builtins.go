package main

import (
	"context"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/pkg/workflow"
)

// registerBuiltins registers the workflows this binary ships with. Embedders
// register their own definitions through the engine API instead.
func registerBuiltins(eng *engine.Engine) error {
	return eng.Register(orderReviewWorkflow())
}

// orderReviewWorkflow is a small end-to-end demo: validate an order, enrich it
// from two transforms in parallel, route high-value orders through a manual
// approval gate, and record an audit event.
func orderReviewWorkflow() *workflow.Definition {
	inputSchema := []byte(`{
		"type": "object",
		"required": ["order_id", "amount"],
		"properties": {
			"order_id": {"type": "string", "minLength": 1},
			"amount":   {"type": "number", "minimum": 0},
			"currency": {"type": "string"}
		}
	}`)

	resumeSchema := []byte(`{
		"type": "object",
		"required": ["approved"],
		"properties": {
			"approved": {"type": "boolean"},
			"approver": {"type": "string"}
		}
	}`)

	normalize := workflow.Func("normalize", func(ctx context.Context, in *workflow.StepInput) (workflow.Outcome, error) {
		order, _ := in.Data.(map[string]any)
		out := map[string]any{}
		for k, v := range order {
			out[k] = v
		}
		if _, ok := out["currency"]; !ok {
			out["currency"] = "USD"
		}
		return workflow.Continue(out), nil
	})

	enrich := workflow.ParallelAll("enrich",
		workflow.TransformJQ("totals", `.data + {net_amount: (.data.amount * 0.9)}`),
		workflow.TransformExpr("flags", `{"high_value": data.amount > 1000, "amount": data.amount, "order_id": data.order_id, "currency": data.currency}`),
	)

	approval := workflow.When("approval-gate",
		workflow.CondExpr(`data.high_value == true`),
		workflow.Func("await-approval", func(ctx context.Context, in *workflow.StepInput) (workflow.Outcome, error) {
			if in.ResumeData != nil {
				order, _ := in.Data.(map[string]any)
				out := map[string]any{}
				for k, v := range order {
					out[k] = v
				}
				out["approved"] = in.ResumeData["approved"]
				out["approver"] = in.ResumeData["approver"]
				return workflow.Continue(out), nil
			}
			order, _ := in.Data.(map[string]any)
			return workflow.Suspend("awaiting approval", map[string]any{
				"order_id": order["order_id"],
				"amount":   order["amount"],
			}), nil
		}).WithResumeSchema(resumeSchema),
	)

	audit := workflow.Tap("audit", func(ctx context.Context, in *workflow.StepInput) error {
		in.Stream.Write("order-reviewed", in.Data)
		return nil
	})

	return workflow.New("order-review", normalize, enrich, approval, audit).
		WithName("Order review").
		WithDescription("Validates and enriches an order, routing high-value orders through manual approval").
		WithInputSchema(inputSchema)
}
