package workflow

import "github.com/calvera-dev/stepflow/pkg/schema"

// Definition is an immutable description of a workflow: an ordered list of
// steps plus the boundary schemas. Definitions are registered with the engine
// by id and shared across executions, so they must not be mutated after
// registration.
type Definition struct {
	ID          string
	Name        string
	Description string
	Steps       []*Step

	// InputSchema validates the workflow input before the first step runs.
	InputSchema []byte
	// ResultSchema validates the final output before completion.
	ResultSchema []byte
	// SuspendSchema is the default schema for suspension payloads; a step's
	// own suspend schema takes precedence.
	SuspendSchema []byte
	// ResumeSchema is the default schema for resume payloads; a step's own
	// resume schema takes precedence.
	ResumeSchema []byte
}

// New creates a workflow definition with the given id and steps.
func New(id string, steps ...*Step) *Definition {
	return &Definition{ID: id, Steps: steps}
}

// WithName sets a display name.
func (d *Definition) WithName(name string) *Definition { d.Name = name; return d }

// WithDescription sets a human-readable description.
func (d *Definition) WithDescription(desc string) *Definition { d.Description = desc; return d }

// WithInputSchema sets the workflow input schema.
func (d *Definition) WithInputSchema(raw []byte) *Definition { d.InputSchema = raw; return d }

// WithResultSchema sets the workflow result schema.
func (d *Definition) WithResultSchema(raw []byte) *Definition { d.ResultSchema = raw; return d }

// WithSuspendSchema sets the default suspension payload schema.
func (d *Definition) WithSuspendSchema(raw []byte) *Definition { d.SuspendSchema = raw; return d }

// WithResumeSchema sets the default resume payload schema.
func (d *Definition) WithResumeSchema(raw []byte) *Definition { d.ResumeSchema = raw; return d }

// Validate checks the definition's structural invariants: a non-empty id, at
// least one step, every step well-formed for its kind, and ids unique across
// the entire tree including nested and branch steps.
func (d *Definition) Validate() error {
	if d == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil workflow definition")
	}
	if d.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id must not be empty")
	}
	if len(d.Steps) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no steps", d.ID)
	}
	seen := make(map[string]bool)
	for _, s := range d.Steps {
		if err := s.validate(seen); err != nil {
			return err
		}
	}
	return nil
}

// StepIndex returns the position of the top-level step with the given id,
// or -1 when no such step exists. Nested and branch steps are not resumable
// entry points, so they are not considered.
func (d *Definition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}
