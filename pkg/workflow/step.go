package workflow

import (
	"context"
	"fmt"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// Kind discriminates the step variants the controller knows how to run.
type Kind string

const (
	KindFunction     Kind = "function"
	KindAgentCall    Kind = "agent_call"
	KindConditional  Kind = "conditional"
	KindParallelAll  Kind = "parallel_all"
	KindParallelRace Kind = "parallel_race"
	KindTap          Kind = "tap"
)

// Outcome is the tri-state result of running a step body: continue with data,
// or suspend with a reason and payload. Failure is the ordinary error return,
// never a sentinel value smuggled through the data channel.
type Outcome struct {
	suspended bool
	data      any
	reason    string
	payload   map[string]any
}

// Continue produces the outcome that advances the pipeline with data as the
// step's output.
func Continue(data any) Outcome {
	return Outcome{data: data}
}

// Suspend produces the outcome that pauses the execution. The payload is
// surfaced to the caller so it can decide how to resume.
func Suspend(reason string, payload map[string]any) Outcome {
	return Outcome{suspended: true, reason: reason, payload: payload}
}

// Suspended reports whether the outcome pauses the execution.
func (o Outcome) Suspended() bool { return o.suspended }

// Data returns the continuation data. Only meaningful when !Suspended().
func (o Outcome) Data() any { return o.data }

// Reason returns the suspension reason.
func (o Outcome) Reason() string { return o.reason }

// Payload returns the suspension payload.
func (o Outcome) Payload() map[string]any { return o.payload }

// EventWriter lets step code append custom events to the execution's stream.
// Writes are ordered with the controller's own lifecycle events.
type EventWriter interface {
	Write(eventType string, payload any)
}

// StepRecord is the recorded input/output pair of a completed step.
type StepRecord struct {
	StepID string `json:"step_id"`
	Input  any    `json:"input"`
	Output any    `json:"output"`
}

// StepReader exposes the records of previously completed steps to later steps.
type StepReader interface {
	Get(stepID string) (StepRecord, bool)
	IDs() []string
}

// StepInput is everything a step body receives from the controller.
type StepInput struct {
	// Data is the accumulated pipeline data entering this step.
	Data any
	// ResumeData is non-nil only on the first step executed after a resume,
	// and only for the step being re-entered.
	ResumeData map[string]any
	// State is a read view of the execution state (usage, user context, ids).
	State *State
	// Steps reads the input/output records of completed steps.
	Steps StepReader
	// Stream appends custom events to the execution's event sequence.
	Stream EventWriter
}

// Handler is a Function step body.
type Handler func(ctx context.Context, in *StepInput) (Outcome, error)

// TapHandler is a Tap step body. Its error is logged and swallowed.
type TapHandler func(ctx context.Context, in *StepInput) error

// Condition gates a Conditional step. An error here fails the step; it is
// never coerced to false.
type Condition func(ctx context.Context, data any, state *State) (bool, error)

// PromptFunc builds the agent request for an AgentCall step from the
// accumulated data.
type PromptFunc func(data any, state *State) (*AgentRequest, error)

// Step is one node of a workflow definition: a tagged variant whose populated
// fields depend on Kind. Construct via Func, AgentCall, When, ParallelAll,
// ParallelRace or Tap and refine with the With* setters.
type Step struct {
	ID          string
	Kind        Kind
	Description string

	Handler   Handler
	Agent     Agent
	Prompt    PromptFunc
	Condition Condition
	Inner     *Step
	Branches  []*Step
	TapFn     TapHandler

	InputSchema   []byte
	OutputSchema  []byte
	SuspendSchema []byte
	ResumeSchema  []byte
}

// Func creates a Function step.
func Func(id string, h Handler) *Step {
	return &Step{ID: id, Kind: KindFunction, Handler: h}
}

// AgentCall creates a step that delegates to an agent. The prompt function
// turns the accumulated data into the request; the agent's usage is folded
// into the execution total.
func AgentCall(id string, agent Agent, prompt PromptFunc) *Step {
	return &Step{ID: id, Kind: KindAgentCall, Agent: agent, Prompt: prompt}
}

// When creates a Conditional step: inner runs only if cond evaluates true,
// otherwise the data passes through unchanged and inner is reported skipped.
func When(id string, cond Condition, inner *Step) *Step {
	return &Step{ID: id, Kind: KindConditional, Condition: cond, Inner: inner}
}

// ParallelAll creates a step that runs every branch concurrently and merges
// their outputs. Map outputs shallow-merge in declaration order (last write
// wins); non-map outputs land under the branch's step id.
func ParallelAll(id string, branches ...*Step) *Step {
	return &Step{ID: id, Kind: KindParallelAll, Branches: branches}
}

// ParallelRace creates a step that runs every branch concurrently and adopts
// the first successful output, cancelling the rest.
func ParallelRace(id string, branches ...*Step) *Step {
	return &Step{ID: id, Kind: KindParallelRace, Branches: branches}
}

// Tap creates an observer step: fn sees the data but cannot change it, and
// its errors are logged rather than propagated.
func Tap(id string, fn TapHandler) *Step {
	return &Step{ID: id, Kind: KindTap, TapFn: fn}
}

// WithDescription sets a human-readable description.
func (s *Step) WithDescription(d string) *Step { s.Description = d; return s }

// WithInputSchema sets the JSON Schema validated against the step's input.
func (s *Step) WithInputSchema(raw []byte) *Step { s.InputSchema = raw; return s }

// WithOutputSchema sets the JSON Schema validated against the step's output.
func (s *Step) WithOutputSchema(raw []byte) *Step { s.OutputSchema = raw; return s }

// WithSuspendSchema sets the JSON Schema validated against suspension payloads
// originating from this step. Overrides the workflow-level suspend schema.
func (s *Step) WithSuspendSchema(raw []byte) *Step { s.SuspendSchema = raw; return s }

// WithResumeSchema sets the JSON Schema validated against resume payloads
// targeting this step. Overrides the workflow-level resume schema.
func (s *Step) WithResumeSchema(raw []byte) *Step { s.ResumeSchema = raw; return s }

// validate checks structural invariants, collecting ids into seen to enforce
// uniqueness across the whole tree.
func (s *Step) validate(seen map[string]bool) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil step in definition")
	}
	if s.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step id must not be empty")
	}
	if seen[s.ID] {
		return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", s.ID)
	}
	seen[s.ID] = true

	switch s.Kind {
	case KindFunction:
		if s.Handler == nil {
			return missingField(s.ID, "handler")
		}
	case KindAgentCall:
		if s.Agent == nil {
			return missingField(s.ID, "agent")
		}
		if s.Prompt == nil {
			return missingField(s.ID, "prompt")
		}
	case KindConditional:
		if s.Condition == nil {
			return missingField(s.ID, "condition")
		}
		if s.Inner == nil {
			return missingField(s.ID, "inner step")
		}
		if err := s.Inner.validate(seen); err != nil {
			return err
		}
	case KindParallelAll, KindParallelRace:
		if len(s.Branches) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q: parallel group needs at least one branch", s.ID)
		}
		for _, b := range s.Branches {
			if err := b.validate(seen); err != nil {
				return err
			}
		}
	case KindTap:
		if s.TapFn == nil {
			return missingField(s.ID, "tap handler")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

func missingField(stepID, field string) error {
	return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("step %q: missing %s", stepID, field))
}
