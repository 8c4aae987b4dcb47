package engine

import (
	"context"
	"sync"

	"github.com/calvera-dev/stepflow/pkg/schema"
	"github.com/calvera-dev/stepflow/pkg/workflow"
)

// settlement is the result of one parallel branch: exactly one of outcome or
// err is meaningful, plus the branch's staged registry writes.
type settlement struct {
	branch  int
	outcome workflow.Outcome
	err     error
	staged  *stagedRecords
}

// execParallelAll runs every branch concurrently and waits for all of them to
// settle. Then, in declaration order: the first error wins; failing that, the
// first suspension suspends the whole group; otherwise the outputs shallow
// merge in declaration order (last write wins) and the staged registry
// records of all branches are committed.
func (e *Engine) execParallelAll(ctx context.Context, ex *execution, idx int, st *workflow.Step, data any, rd map[string]any, sink recordSink, live bool) (workflow.Outcome, error) {
	results := make([]settlement, len(st.Branches))
	var wg sync.WaitGroup
	for i, branch := range st.Branches {
		wg.Add(1)
		go func(i int, branch *workflow.Step) {
			defer wg.Done()
			staged := &stagedRecords{}
			out, err := e.runUnit(ctx, ex, idx, branch, data, rd, staged, false)
			results[i] = settlement{branch: i, outcome: out, err: err, staged: staged}
		}(i, branch)
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return workflow.Outcome{}, r.err
		}
	}
	for _, r := range results {
		if r.outcome.Suspended() {
			// The whole group re-runs from scratch on resume, so nothing is
			// committed for the siblings that finished.
			return r.outcome, nil
		}
	}

	merged := make(map[string]any)
	for i, r := range results {
		e.commitStaged(ctx, ex, r.staged, sink, live)
		out := r.outcome.Data()
		if m, ok := out.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		} else if out != nil {
			merged[st.Branches[i].ID] = out
		}
	}
	return workflow.Continue(merged), nil
}

// execParallelRace runs every branch concurrently and adopts the first
// successful settlement, cancelling the rest. A suspending branch suspends
// the whole group. A branch that fails fast is tolerated as long as another
// succeeds; when every branch fails, the last error observed surfaces.
func (e *Engine) execParallelRace(ctx context.Context, ex *execution, idx int, st *workflow.Step, data any, rd map[string]any, sink recordSink, live bool) (workflow.Outcome, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan settlement, len(st.Branches))
	for i, branch := range st.Branches {
		go func(i int, branch *workflow.Step) {
			staged := &stagedRecords{}
			out, err := e.runUnit(raceCtx, ex, idx, branch, data, rd, staged, false)
			ch <- settlement{branch: i, outcome: out, err: err, staged: staged}
		}(i, branch)
	}

	var lastErr error
	for range st.Branches {
		r := <-ch
		if r.err != nil {
			lastErr = r.err
			continue
		}
		if r.outcome.Suspended() {
			cancel()
			return r.outcome, nil
		}
		cancel()
		// Only the winner's records become visible.
		e.commitStaged(ctx, ex, r.staged, sink, live)
		return r.outcome, nil
	}

	if lastErr == nil {
		lastErr = schema.NewError(schema.ErrCodeExecution, "race group settled without branches").WithStep(st.ID)
	}
	return workflow.Outcome{}, lastErr
}

// commitStaged moves a settled branch's records into the parent sink, and
// into the store when the parent is the live registry.
func (e *Engine) commitStaged(ctx context.Context, ex *execution, staged *stagedRecords, sink recordSink, live bool) {
	for _, rec := range staged.entries {
		sink.put(rec.StepID, rec.Input, rec.Output)
		if live {
			e.persistStepRow(ctx, ex, rec.StepID, rec.Input, rec.Output, schema.StepCompleted, nil)
		}
	}
}
