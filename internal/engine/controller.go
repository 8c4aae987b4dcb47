package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/calvera-dev/stepflow/internal/logging"
	"github.com/calvera-dev/stepflow/internal/store"
	"github.com/calvera-dev/stepflow/internal/streaming"
	"github.com/calvera-dev/stepflow/pkg/schema"
	"github.com/calvera-dev/stepflow/pkg/workflow"
)

// stepWriter is the EventWriter handed to step code. Custom events interleave
// with controller events in emission order because they share the stream.
type stepWriter struct {
	ex   *execution
	from string
	idx  int
}

func (w stepWriter) Write(eventType string, payload any) {
	idx := w.idx
	w.ex.stream.Emit(schema.StreamEvent{
		Type:      eventType,
		From:      w.from,
		StepIndex: &idx,
		Output:    payload,
		Status:    schema.ExecutionRunning,
	})
}

// runLoop drives the execution from its current step index until it settles:
// completed, failed, cancelled or suspended. It is the single writer of the
// execution's state and registry; state writes go through ex.mutate/transition
// so concurrent snapshot readers (Get, Suspend) see consistent values.
func (e *Engine) runLoop(ctx context.Context, ex *execution, resumeData map[string]any, resumeIdx int) *Result {
	st := ex.state
	logCtx := logging.WithIDs(context.Background(), st.ExecutionID, st.WorkflowID, "")

	if ex.status() == schema.ExecutionPending {
		if err := ex.transition(schema.ExecutionRunning); err != nil {
			return e.settleFailed(logCtx, ex, "", err)
		}
		running := schema.ExecutionRunning
		e.persist(logCtx, ex, store.ExecutionUpdate{Status: &running})
		ex.stream.Emit(schema.StreamEvent{
			Type:   schema.EventWorkflowStart,
			Input:  st.Data,
			Status: schema.ExecutionRunning,
		})
	}

	data := st.Data
	for i := st.CurrentStepIndex; i < len(ex.def.Steps); i++ {
		step := ex.def.Steps[i]

		// Step boundary: cancellation and external suspension take effect
		// here, never mid-step.
		if ctx.Err() != nil {
			return e.settleCancelled(logCtx, ex)
		}
		if req := ex.takeSuspendReq(); req != nil {
			return e.settleSuspended(logCtx, ex, &schema.Suspension{
				StepID:      step.ID,
				StepIndex:   i,
				Reason:      *req,
				External:    true,
				SuspendedAt: time.Now().UTC(),
			})
		}

		var rd map[string]any
		if resumeData != nil && i == resumeIdx {
			rd = resumeData
			resumeData = nil
		}

		ex.mutate(func(st *workflow.State) { st.CurrentStepIndex = i })
		outcome, err := e.runUnit(ctx, ex, i, step, data, rd, ex.registry, true)
		if err != nil {
			if ctx.Err() != nil {
				return e.settleCancelled(logCtx, ex)
			}
			return e.settleFailed(logCtx, ex, step.ID, err)
		}

		if outcome.Suspended() {
			suspendSchema := step.SuspendSchema
			if len(suspendSchema) == 0 {
				suspendSchema = ex.def.SuspendSchema
			}
			boundary := fmt.Sprintf("step %s suspend payload", step.ID)
			if err := e.validator.Validate(boundary, suspendSchema, outcome.Payload()); err != nil {
				return e.settleFailed(logCtx, ex, step.ID, err)
			}
			return e.settleSuspended(logCtx, ex, &schema.Suspension{
				StepID:      step.ID,
				StepIndex:   i,
				Reason:      outcome.Reason(),
				Payload:     outcome.Payload(),
				SuspendedAt: time.Now().UTC(),
			})
		}

		data = outcome.Data()
		var usage schema.Usage
		ex.mutate(func(st *workflow.State) {
			st.Data = data
			usage = st.Usage
		})
		next := i + 1
		e.persist(logCtx, ex, store.ExecutionUpdate{
			CurrentStepIndex: &next,
			Data:             marshalAny(data),
			Usage:            &usage,
		})
	}

	if err := e.validator.Validate("result", ex.def.ResultSchema, data); err != nil {
		return e.settleFailed(logCtx, ex, "", err)
	}
	return e.settleCompleted(logCtx, ex, data)
}

// runUnit executes one step (top-level, nested or branch) with its full
// lifecycle: input validation, execution, output validation, registry write
// and events. live marks whether the record lands in the live registry and
// the store, or in a parallel branch's staging buffer.
func (e *Engine) runUnit(ctx context.Context, ex *execution, idx int, st *workflow.Step, data any, rd map[string]any, sink recordSink, live bool) (workflow.Outcome, error) {
	stepIdx := idx
	ex.stream.Emit(schema.StreamEvent{
		Type:      schema.EventStepStart,
		From:      st.ID,
		StepIndex: &stepIdx,
		Input:     data,
		Status:    schema.ExecutionRunning,
	})

	fail := func(err error) (workflow.Outcome, error) {
		fe := schema.AsFlowError(err, schema.ErrCodeStepFailed)
		if fe.StepID == "" {
			fe.StepID = st.ID
		}
		ex.stream.Emit(schema.StreamEvent{
			Type:      schema.EventStepError,
			From:      st.ID,
			StepIndex: &stepIdx,
			Error:     fe.Error(),
		})
		if live {
			e.persistStepRow(ctx, ex, st.ID, data, nil, schema.StepFailed, fe)
		}
		return workflow.Outcome{}, fe
	}

	if len(st.InputSchema) > 0 {
		boundary := fmt.Sprintf("step %s input", st.ID)
		if err := e.validator.Validate(boundary, st.InputSchema, data); err != nil {
			return fail(err)
		}
	}

	outcome, err := e.execStep(ctx, ex, idx, st, data, rd, sink, live)
	if err != nil {
		return fail(err)
	}

	if outcome.Suspended() {
		ex.stream.Emit(schema.StreamEvent{
			Type:      schema.EventStepSuspended,
			From:      st.ID,
			StepIndex: &stepIdx,
			Status:    schema.ExecutionSuspended,
			Metadata:  map[string]any{"reason": outcome.Reason()},
		})
		return outcome, nil
	}

	output := outcome.Data()
	if len(st.OutputSchema) > 0 {
		boundary := fmt.Sprintf("step %s output", st.ID)
		if err := e.validator.Validate(boundary, st.OutputSchema, output); err != nil {
			return fail(err)
		}
	}

	sink.put(st.ID, data, output)
	if live {
		e.persistStepRow(ctx, ex, st.ID, data, output, schema.StepCompleted, nil)
	}

	ex.stream.Emit(schema.StreamEvent{
		Type:      schema.EventStepComplete,
		From:      st.ID,
		StepIndex: &stepIdx,
		Output:    output,
		Status:    schema.ExecutionRunning,
	})
	return outcome, nil
}

// execStep dispatches on the step kind.
func (e *Engine) execStep(ctx context.Context, ex *execution, idx int, st *workflow.Step, data any, rd map[string]any, sink recordSink, live bool) (workflow.Outcome, error) {
	stepCtx := logging.WithIDs(ctx, ex.state.ExecutionID, ex.state.WorkflowID, st.ID)
	in := &workflow.StepInput{
		Data:       data,
		ResumeData: rd,
		State:      ex.state,
		Steps:      ex.registry,
		Stream:     stepWriter{ex: ex, from: st.ID, idx: idx},
	}

	switch st.Kind {
	case workflow.KindFunction:
		return e.callHandler(stepCtx, st, in)

	case workflow.KindAgentCall:
		return e.execAgent(stepCtx, ex, idx, st, in)

	case workflow.KindTap:
		e.execTap(stepCtx, st, in)
		return workflow.Continue(data), nil

	case workflow.KindConditional:
		ok, err := st.Condition(stepCtx, data, ex.state)
		if err != nil {
			return workflow.Outcome{}, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(st.ID)
		}
		if !ok {
			innerIdx := idx
			ex.stream.Emit(schema.StreamEvent{
				Type:      schema.EventStepSkipped,
				From:      st.Inner.ID,
				StepIndex: &innerIdx,
				Metadata:  map[string]any{"condition": false},
			})
			return workflow.Continue(data), nil
		}
		return e.runUnit(ctx, ex, idx, st.Inner, data, rd, sink, live)

	case workflow.KindParallelAll:
		return e.execParallelAll(ctx, ex, idx, st, data, rd, sink, live)

	case workflow.KindParallelRace:
		return e.execParallelRace(ctx, ex, idx, st, data, rd, sink, live)

	default:
		return workflow.Outcome{}, schema.NewErrorf(schema.ErrCodeExecution,
			"unknown step kind %q", st.Kind).WithStep(st.ID)
	}
}

// callHandler invokes a Function step body with a panic guard.
func (e *Engine) callHandler(ctx context.Context, st *workflow.Step, in *workflow.StepInput) (outcome workflow.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(st.ID)
		}
	}()
	return st.Handler(ctx, in)
}

// execTap runs an observer step. Errors and panics are logged with the
// execution's correlation ids and swallowed; the pipeline never notices.
func (e *Engine) execTap(ctx context.Context, st *workflow.Step, in *workflow.StepInput) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Warn("tap step panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := st.TapFn(ctx, in); err != nil {
		logging.LogWith(ctx, e.logger).Warn("tap step failed", "error", err)
	}
}

// execAgent runs an AgentCall step. Streaming agents get their token deltas
// piped into the execution stream under an "agent-" type prefix; either way
// the final usage is folded into the execution total.
func (e *Engine) execAgent(ctx context.Context, ex *execution, idx int, st *workflow.Step, in *workflow.StepInput) (workflow.Outcome, error) {
	req, err := st.Prompt(in.Data, in.State)
	if err != nil {
		return workflow.Outcome{}, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(st.ID)
	}

	streamer, ok := st.Agent.(workflow.StreamingAgent)
	if !ok {
		resp, err := st.Agent.Generate(ctx, req)
		if err != nil {
			return workflow.Outcome{}, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(st.ID)
		}
		ex.addUsage(resp.Usage)
		return workflow.Continue(resp.Output), nil
	}

	src, err := streamer.Stream(ctx, req)
	if err != nil {
		return workflow.Outcome{}, schema.AsFlowError(err, schema.ErrCodeStepFailed).WithStep(st.ID)
	}

	stepIdx := idx
	relay := make(chan schema.StreamEvent)
	var final *workflow.AgentResponse
	var agentErr error
	go func() {
		defer close(relay)
		for ev := range src {
			switch ev.Type {
			case workflow.AgentEventDelta:
				se := schema.StreamEvent{
					Type:      "delta",
					From:      st.ID,
					StepIndex: &stepIdx,
					Output:    ev.Delta,
					Status:    schema.ExecutionRunning,
				}
				select {
				case relay <- se:
				case <-ctx.Done():
					return
				}
			case workflow.AgentEventComplete:
				final = ev.Response
			case workflow.AgentEventError:
				agentErr = ev.Err
			}
		}
	}()

	ex.stream.PipeFrom(ctx, relay, streaming.PipeOptions{Prefix: "agent-"})

	if err := ctx.Err(); err != nil {
		return workflow.Outcome{}, err
	}
	if agentErr != nil {
		return workflow.Outcome{}, schema.AsFlowError(agentErr, schema.ErrCodeStepFailed).WithStep(st.ID)
	}
	if final == nil {
		return workflow.Outcome{}, schema.NewErrorf(schema.ErrCodeStepFailed,
			"agent %q stream ended without a final response", st.Agent.Name()).WithStep(st.ID)
	}
	ex.addUsage(final.Usage)
	return workflow.Continue(final.Output), nil
}

// --- settlement ---

func (e *Engine) settleCompleted(ctx context.Context, ex *execution, output any) *Result {
	if err := ex.transition(schema.ExecutionCompleted); err != nil {
		return e.settleFailed(ctx, ex, "", err)
	}
	ended := time.Now().UTC()
	var usage schema.Usage
	ex.mutate(func(st *workflow.State) {
		st.Data = output
		st.EndedAt = &ended
		usage = st.Usage
	})

	status := schema.ExecutionCompleted
	e.persist(ctx, ex, store.ExecutionUpdate{
		Status:  &status,
		Data:    marshalAny(output),
		Usage:   &usage,
		EndedAt: &ended,
	})
	ex.stream.Emit(schema.StreamEvent{
		Type:   schema.EventWorkflowComplete,
		Output: output,
		Status: schema.ExecutionCompleted,
	})
	e.logger.InfoContext(ctx, "execution completed")
	return ex.snapshot()
}

func (e *Engine) settleFailed(ctx context.Context, ex *execution, stepID string, err error) *Result {
	fe := schema.AsFlowError(err, schema.ErrCodeExecution)
	if fe.StepID == "" && stepID != "" {
		fe.StepID = stepID
	}
	if terr := ex.transition(schema.ExecutionFailed); terr != nil {
		// Only reachable from a terminal state, which the loop never leaves.
		e.logger.ErrorContext(ctx, "illegal transition to failed", "error", terr)
		return ex.snapshot()
	}
	ended := time.Now().UTC()
	var usage schema.Usage
	ex.mutate(func(st *workflow.State) {
		st.Error = fe
		st.EndedAt = &ended
		usage = st.Usage
	})

	status := schema.ExecutionFailed
	e.persist(ctx, ex, store.ExecutionUpdate{
		Status:  &status,
		Usage:   &usage,
		Error:   marshalAny(fe),
		EndedAt: &ended,
	})
	ex.stream.Emit(schema.StreamEvent{
		Type:   schema.EventWorkflowError,
		Status: schema.ExecutionFailed,
		Error:  fe.Error(),
	})
	e.logger.ErrorContext(ctx, "execution failed", "error", fe)
	return ex.snapshot()
}

func (e *Engine) settleSuspended(ctx context.Context, ex *execution, sp *schema.Suspension) *Result {
	if err := ex.transition(schema.ExecutionSuspended); err != nil {
		return e.settleFailed(ctx, ex, sp.StepID, err)
	}
	var data any
	var usage schema.Usage
	ex.mutate(func(st *workflow.State) {
		st.Suspension = sp
		st.CurrentStepIndex = sp.StepIndex
		data = st.Data
		usage = st.Usage
	})

	status := schema.ExecutionSuspended
	e.persist(ctx, ex, store.ExecutionUpdate{
		Status:           &status,
		CurrentStepIndex: &sp.StepIndex,
		Data:             marshalAny(data),
		Usage:            &usage,
		Suspension:       sp,
	})
	meta := map[string]any{"reason": sp.Reason, "step_id": sp.StepID}
	if sp.External {
		meta["external"] = true
	}
	ex.stream.Emit(schema.StreamEvent{
		Type:      schema.EventWorkflowSuspended,
		From:      sp.StepID,
		StepIndex: &sp.StepIndex,
		Status:    schema.ExecutionSuspended,
		Metadata:  meta,
	})
	e.logger.InfoContext(ctx, "execution suspended", "step_id", sp.StepID, "reason", sp.Reason)
	return ex.snapshot()
}

func (e *Engine) settleCancelled(ctx context.Context, ex *execution) *Result {
	if err := ex.transition(schema.ExecutionCancelled); err != nil {
		e.logger.ErrorContext(ctx, "illegal transition to cancelled", "error", err)
		return ex.snapshot()
	}
	ended := time.Now().UTC()
	var usage schema.Usage
	ex.mutate(func(st *workflow.State) {
		st.EndedAt = &ended
		usage = st.Usage
	})

	status := schema.ExecutionCancelled
	e.persist(ctx, ex, store.ExecutionUpdate{
		Status:  &status,
		Usage:   &usage,
		EndedAt: &ended,
	})
	ex.stream.Emit(schema.StreamEvent{
		Type:   schema.EventWorkflowCancelled,
		Status: schema.ExecutionCancelled,
	})
	e.logger.InfoContext(ctx, "execution cancelled")
	return ex.snapshot()
}

// persistStepRow writes a step record, best-effort.
func (e *Engine) persistStepRow(ctx context.Context, ex *execution, stepID string, input, output any, status schema.StepStatus, stepErr *schema.FlowError) {
	row := &store.StepRow{
		ExecutionID: ex.state.ExecutionID,
		StepID:      stepID,
		Status:      status,
		Input:       marshalAny(input),
		Output:      marshalAny(output),
	}
	if stepErr != nil {
		row.Error = marshalAny(stepErr)
	}
	if err := e.store.UpsertStepRecord(ctx, row); err != nil {
		e.logger.Warn("persist step record failed",
			"execution_id", ex.state.ExecutionID, "step_id", stepID, "error", err)
	}
}

func (x *execution) addUsage(u schema.Usage) {
	x.mu.Lock()
	x.state.Usage.Add(u)
	x.mu.Unlock()
}
