// Package engine runs workflow executions: a sequential controller over the
// definition's steps with suspend/resume, parallel composition, schema-guarded
// boundaries and an ordered per-execution event stream.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calvera-dev/stepflow/internal/logging"
	"github.com/calvera-dev/stepflow/internal/store"
	"github.com/calvera-dev/stepflow/internal/streaming"
	"github.com/calvera-dev/stepflow/internal/validation"
	"github.com/calvera-dev/stepflow/pkg/schema"
	"github.com/calvera-dev/stepflow/pkg/workflow"
)

// Engine owns registered definitions and live executions. Safe for concurrent
// use; each execution's controller loop runs in its own goroutine.
type Engine struct {
	store     store.Store
	hub       streaming.Hub
	validator *validation.Validator
	logger    *slog.Logger

	mu     sync.Mutex
	defs   map[string]*workflow.Definition
	active map[string]*execution
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithHub mirrors all stream events into a process-wide hub.
func WithHub(h streaming.Hub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithLogger sets the logger. It is wrapped with correlation-id injection.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		validator: validation.New(),
		defs:      make(map[string]*workflow.Definition),
		active:    make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}
	if e.hub == nil {
		e.hub = streaming.NewMemoryHub()
	}
	if e.logger == nil {
		e.logger = slog.New(logging.NewCorrelationHandler(
			slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	return e
}

// Hub returns the event hub observers subscribe to.
func (e *Engine) Hub() streaming.Hub { return e.hub }

// Store returns the persistence backend.
func (e *Engine) Store() store.Store { return e.store }

// Register validates and registers a workflow definition. Re-registering an
// id replaces the previous definition; in-flight executions keep the
// definition they started with.
func (e *Engine) Register(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.defs[def.ID] = def
	e.mu.Unlock()
	return nil
}

// Definition returns a registered definition.
func (e *Engine) Definition(workflowID string) (*workflow.Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[workflowID]
	return def, ok
}

// ListDefinitions returns all registered definitions sorted by id.
func (e *Engine) ListDefinitions() []*workflow.Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*workflow.Definition, 0, len(e.defs))
	for _, def := range e.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunOptions carries caller identity and ambient context into an execution.
type RunOptions struct {
	UserID         string
	ConversationID string
	UserContext    map[string]any
}

// ResumeOptions adjusts where a resume re-enters the workflow.
type ResumeOptions struct {
	// StepID, when set, resumes at the named top-level step instead of the
	// one recorded in the suspension.
	StepID string
}

// Result is the settled (or suspended) outcome of driving an execution.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Output      any                    `json:"output,omitempty"`
	Error       *schema.FlowError      `json:"error,omitempty"`
	Suspension  *schema.Suspension     `json:"suspension,omitempty"`
	Usage       schema.Usage           `json:"usage"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
}

// execution is the in-memory run state of one workflow execution. It stays in
// the engine's active map while running or suspended and is dropped once a
// terminal status is reached.
type execution struct {
	def      *workflow.Definition
	state    *workflow.State
	registry *stepRegistry
	stream   *streaming.Stream

	mu         sync.Mutex
	busy       bool
	suspendReq *string
}

// mutate runs fn with exclusive access to the state. The controller goroutine
// is the single writer, but snapshot readers (Get, Suspend) take the same lock.
func (x *execution) mutate(fn func(st *workflow.State)) {
	x.mu.Lock()
	fn(x.state)
	x.mu.Unlock()
}

func (x *execution) status() schema.ExecutionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state.Status
}

// snapshot builds a Result from the state under the lock.
func (x *execution) snapshot() *Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	return resultFromState(x.state)
}

// transition applies a validated lifecycle edge. An illegal edge returns
// INVALID_TRANSITION and leaves the state untouched.
func (x *execution) transition(to schema.ExecutionStatus) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	next, err := TransitionExecution(x.state.Status, to)
	if err != nil {
		return err
	}
	x.state.Status = next
	return nil
}

func (x *execution) requestSuspend(reason string) {
	x.mu.Lock()
	x.suspendReq = &reason
	x.mu.Unlock()
}

func (x *execution) takeSuspendReq() *string {
	x.mu.Lock()
	defer x.mu.Unlock()
	r := x.suspendReq
	x.suspendReq = nil
	return r
}

// Run is the caller's handle on a driven execution.
type Run struct {
	ExecutionID string
	stream      *streaming.Stream
	done        chan struct{}
	result      *Result
}

// Events returns the ordered, lossless event sequence, replayed from the
// first event. The channel stays open across suspend/resume and closes on a
// terminal event or when ctx is cancelled.
func (r *Run) Events(ctx context.Context) <-chan schema.StreamEvent {
	return r.stream.Events(ctx)
}

// Abort cancels the execution. Idempotent.
func (r *Run) Abort() { r.stream.Abort() }

// Done closes when the current drive settles (terminal or suspended).
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the current drive settles and returns its result.
func (r *Run) Wait() *Result {
	<-r.done
	return r.result
}

// Execute runs a workflow to settlement and returns the result: completed,
// failed, cancelled or suspended. Input is validated against the workflow's
// input schema before anything starts; a violation errors without creating
// an execution.
func (e *Engine) Execute(ctx context.Context, workflowID string, input any, opts RunOptions) (*Result, error) {
	run, err := e.Stream(ctx, workflowID, input, opts)
	if err != nil {
		return nil, err
	}
	return run.Wait(), nil
}

// Stream starts a workflow and returns a handle immediately; the controller
// loop runs in its own goroutine. Cancelling ctx aborts the execution.
func (e *Engine) Stream(ctx context.Context, workflowID string, input any, opts RunOptions) (*Run, error) {
	def, ok := e.Definition(workflowID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", workflowID)
	}
	if err := e.validator.Validate("input", def.InputSchema, input); err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	now := time.Now().UTC()
	state := &workflow.State{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		Status:         schema.ExecutionPending,
		Data:           input,
		UserID:         opts.UserID,
		ConversationID: opts.ConversationID,
		UserContext:    opts.UserContext,
		StartedAt:      now,
	}

	ex := &execution{
		def:      def,
		state:    state,
		registry: newStepRegistry(),
		busy:     true,
	}
	ex.stream = streaming.NewStream(executionID, workflowID,
		streaming.WithHub(e.hub),
		streaming.WithRecorder(e.recorder(executionID)),
	)

	rec := &store.ExecutionRecord{
		ID:               executionID,
		WorkflowID:       workflowID,
		Status:           schema.ExecutionPending,
		CurrentStepIndex: 0,
		Data:             marshalAny(input),
		UserID:           opts.UserID,
		ConversationID:   opts.ConversationID,
		UserContext:      marshalAny(opts.UserContext),
		StartedAt:        now,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	e.mu.Lock()
	e.active[executionID] = ex
	e.mu.Unlock()

	return e.drive(ctx, ex, nil, 0), nil
}

// RunScheduled runs a workflow to settlement with no caller handle. It
// satisfies the scheduler's runner interface.
func (e *Engine) RunScheduled(ctx context.Context, workflowID string, input map[string]any) error {
	res, err := e.Execute(ctx, workflowID, input, RunOptions{})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// Resume re-enters a suspended execution with a validated payload. The
// execution re-runs from the beginning of the suspended step (or the step
// named in opts) with the payload visible as ResumeData. A live in-process
// execution keeps its stream; otherwise the run state is rebuilt from the
// store, which requires the workflow to still be registered.
func (e *Engine) Resume(ctx context.Context, executionID string, payload map[string]any, opts ResumeOptions) (*Run, error) {
	ex, err := e.claimForResume(ctx, executionID)
	if err != nil {
		return nil, err
	}

	release := func() {
		ex.mu.Lock()
		ex.busy = false
		ex.mu.Unlock()
	}

	idx := ex.state.CurrentStepIndex
	if ex.state.Suspension != nil {
		idx = ex.state.Suspension.StepIndex
	}
	if opts.StepID != "" {
		idx = ex.def.StepIndex(opts.StepID)
		if idx < 0 {
			release()
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"step %q not found in workflow %q", opts.StepID, ex.def.ID)
		}
	}

	resumeSchema := ex.def.Steps[idx].ResumeSchema
	if len(resumeSchema) == 0 {
		resumeSchema = ex.def.ResumeSchema
	}
	if err := e.validator.Validate("resume payload", resumeSchema, payload); err != nil {
		// Reject without touching the suspension: the caller can try again.
		release()
		return nil, err
	}

	if err := ex.transition(schema.ExecutionRunning); err != nil {
		release()
		return nil, err
	}
	ex.mutate(func(st *workflow.State) {
		st.Suspension = nil
		st.CurrentStepIndex = idx
	})

	running := schema.ExecutionRunning
	e.persist(ctx, ex, store.ExecutionUpdate{
		Status:           &running,
		CurrentStepIndex: &idx,
		ClearSuspension:  true,
	})

	ex.stream.Emit(schema.StreamEvent{
		Type:      schema.EventWorkflowResumed,
		From:      ex.def.Steps[idx].ID,
		StepIndex: &idx,
		Status:    schema.ExecutionRunning,
		Metadata:  map[string]any{"step_id": ex.def.Steps[idx].ID},
	})

	return e.drive(ctx, ex, payload, idx), nil
}

// claimForResume finds the suspended execution (live or persisted), checks it
// is resumable, and marks it busy so concurrent resumes conflict.
func (e *Engine) claimForResume(ctx context.Context, executionID string) (*execution, error) {
	e.mu.Lock()
	ex, live := e.active[executionID]
	e.mu.Unlock()

	if live {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		if ex.busy {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"execution %q is already being driven", executionID)
		}
		if ex.state.Status != schema.ExecutionSuspended {
			return nil, schema.NewErrorf(schema.ErrCodeState,
				"execution %q is %s, not suspended", executionID, ex.state.Status)
		}
		ex.busy = true
		return ex, nil
	}

	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if rec.Status != schema.ExecutionSuspended {
		return nil, schema.NewErrorf(schema.ErrCodeState,
			"execution %q is %s, not suspended", executionID, rec.Status)
	}
	def, ok := e.Definition(rec.WorkflowID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow %q not registered", rec.WorkflowID)
	}

	ex = e.rebuild(ctx, def, rec)

	e.mu.Lock()
	if _, raced := e.active[executionID]; raced {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %q is already being driven", executionID)
	}
	e.active[executionID] = ex
	e.mu.Unlock()
	return ex, nil
}

// rebuild reconstructs in-memory run state from the persisted record. The
// event stream starts fresh; historical events remain readable through the
// store-backed Watch path.
func (e *Engine) rebuild(ctx context.Context, def *workflow.Definition, rec *store.ExecutionRecord) *execution {
	state := &workflow.State{
		ExecutionID:      rec.ID,
		WorkflowID:       rec.WorkflowID,
		Status:           rec.Status,
		CurrentStepIndex: rec.CurrentStepIndex,
		Data:             unmarshalAny(rec.Data),
		UserID:           rec.UserID,
		ConversationID:   rec.ConversationID,
		Usage:            rec.Usage,
		Suspension:       rec.Suspension,
		StartedAt:        rec.StartedAt,
		EndedAt:          rec.EndedAt,
	}
	if len(rec.UserContext) > 0 {
		_ = json.Unmarshal(rec.UserContext, &state.UserContext)
	}

	registry := newStepRegistry()
	if rows, err := e.store.ListStepRecords(ctx, rec.ID); err == nil {
		for _, row := range rows {
			if row.Status == schema.StepCompleted {
				registry.put(row.StepID, unmarshalAny(row.Input), unmarshalAny(row.Output))
			}
		}
	}

	ex := &execution{def: def, state: state, registry: registry, busy: true}
	ex.stream = streaming.NewStream(rec.ID, rec.WorkflowID,
		streaming.WithHub(e.hub),
		streaming.WithRecorder(e.recorder(rec.ID)),
	)
	return ex
}

// drive spawns the controller loop and returns the caller's handle.
func (e *Engine) drive(ctx context.Context, ex *execution, resumeData map[string]any, resumeIdx int) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	ex.stream.SetAbort(cancel)

	run := &Run{
		ExecutionID: ex.state.ExecutionID,
		stream:      ex.stream,
		done:        make(chan struct{}),
	}

	go func() {
		defer cancel()
		res := e.runLoop(runCtx, ex, resumeData, resumeIdx)

		ex.mu.Lock()
		ex.busy = false
		ex.mu.Unlock()

		if res.Status.Terminal() {
			ex.stream.Close()
			e.mu.Lock()
			delete(e.active, ex.state.ExecutionID)
			e.mu.Unlock()
		}

		run.result = res
		close(run.done)
	}()

	return run
}

// Suspend asks a running execution to pause at the next step boundary. The
// step in flight is never interrupted.
func (e *Engine) Suspend(ctx context.Context, executionID, reason string) error {
	e.mu.Lock()
	ex, live := e.active[executionID]
	e.mu.Unlock()

	if !live {
		rec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return schema.AsFlowError(err, schema.ErrCodeStore)
		}
		return schema.NewErrorf(schema.ErrCodeState,
			"execution %q is %s, not running", executionID, rec.Status)
	}

	status := ex.status()
	if status != schema.ExecutionRunning && status != schema.ExecutionPending {
		return schema.NewErrorf(schema.ErrCodeState,
			"execution %q is %s, not running", executionID, status)
	}

	ex.requestSuspend(reason)
	return nil
}

// Cancel aborts a live execution. Idempotent for an execution that already
// settled in-process; unknown ids error.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	ex, live := e.active[executionID]
	e.mu.Unlock()

	if !live {
		if _, err := e.store.GetExecution(ctx, executionID); err != nil {
			return schema.AsFlowError(err, schema.ErrCodeStore)
		}
		return nil
	}
	ex.stream.Abort()
	return nil
}

// Get returns the current snapshot of an execution, live or persisted.
func (e *Engine) Get(ctx context.Context, executionID string) (*Result, error) {
	e.mu.Lock()
	ex, live := e.active[executionID]
	e.mu.Unlock()

	if live {
		return ex.snapshot(), nil
	}

	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return resultFromRecord(rec), nil
}

// Watch returns the event sequence of an execution. A live execution's
// stream is followed; a settled one is replayed from the store. The second
// return value releases resources when the caller is done.
func (e *Engine) Watch(ctx context.Context, executionID string) (<-chan schema.StreamEvent, func(), error) {
	e.mu.Lock()
	ex, live := e.active[executionID]
	e.mu.Unlock()

	if live {
		watchCtx, cancel := context.WithCancel(ctx)
		return ex.stream.Events(watchCtx), cancel, nil
	}

	events, err := e.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if len(events) == 0 {
		if _, err := e.store.GetExecution(ctx, executionID); err != nil {
			return nil, nil, schema.AsFlowError(err, schema.ErrCodeStore)
		}
	}

	ch := make(chan schema.StreamEvent, len(events))
	for _, rec := range events {
		var ev schema.StreamEvent
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			continue
		}
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

// recorder appends every stream event to the store's event log. Sequence is
// left to the store so it stays continuous across resumes.
func (e *Engine) recorder(executionID string) streaming.Recorder {
	return func(ev streaming.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		rec := &store.Event{
			ExecutionID: executionID,
			StepID:      ev.From,
			Type:        ev.Type,
			Payload:     payload,
			Timestamp:   ev.Timestamp,
		}
		if err := e.store.AppendEvent(context.Background(), rec); err != nil {
			e.logger.Warn("append event failed", "execution_id", executionID, "error", err)
		}
	}
}

// persist applies a partial update to the execution record, best-effort.
func (e *Engine) persist(ctx context.Context, ex *execution, update store.ExecutionUpdate) {
	if err := e.store.UpdateExecution(ctx, ex.state.ExecutionID, update); err != nil {
		e.logger.Warn("persist execution failed",
			"execution_id", ex.state.ExecutionID, "error", err)
	}
}

func resultFromState(st *workflow.State) *Result {
	res := &Result{
		ExecutionID: st.ExecutionID,
		WorkflowID:  st.WorkflowID,
		Status:      st.Status,
		Error:       st.Error,
		Suspension:  st.Suspension,
		Usage:       st.Usage,
		StartedAt:   st.StartedAt,
		EndedAt:     st.EndedAt,
	}
	if st.Status == schema.ExecutionCompleted {
		res.Output = st.Data
	}
	return res
}

func resultFromRecord(rec *store.ExecutionRecord) *Result {
	res := &Result{
		ExecutionID: rec.ID,
		WorkflowID:  rec.WorkflowID,
		Status:      rec.Status,
		Suspension:  rec.Suspension,
		Usage:       rec.Usage,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
	}
	if rec.Status == schema.ExecutionCompleted {
		res.Output = unmarshalAny(rec.Data)
	}
	if len(rec.Error) > 0 {
		var fe schema.FlowError
		if err := json.Unmarshal(rec.Error, &fe); err == nil {
			res.Error = &fe
		}
	}
	return res
}

func marshalAny(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
