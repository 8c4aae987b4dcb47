// Package expressions provides sandboxed expression engines (CEL, expr, jq)
// with per-expression compiled-program caches. Conditional predicates and
// transform steps evaluate against a two-variable environment:
//
//   - data:  the accumulated pipeline data entering the step
//   - state: a flat projection of the execution state (ids, context, usage)
package expressions

import "context"

// Engine evaluates expressions of one language against an environment map.
// Implementations must be safe for concurrent use.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
}
