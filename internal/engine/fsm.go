package engine

import "github.com/calvera-dev/stepflow/pkg/schema"

// ValidExecutionTransitions is the execution lifecycle state machine.
// Suspended -> Running is the resume edge; re-suspension is legal because
// Running -> Suspended stays open after it.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionSuspended, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionSuspended: {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidStepTransitions is the per-step lifecycle state machine.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepSuspended, schema.StepCompleted, schema.StepFailed},
	schema.StepSuspended: {schema.StepRunning, schema.StepFailed},
	schema.StepCompleted: {schema.StepRunning}, // re-execution after resume
	schema.StepFailed:    {},
	schema.StepSkipped:   {schema.StepRunning},
}

// CanTransitionExecution reports whether from -> to is a legal execution edge.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, next := range ValidExecutionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionExecution validates the edge and returns the new status, or an
// INVALID_TRANSITION error leaving the caller's state untouched.
func TransitionExecution(from, to schema.ExecutionStatus) (schema.ExecutionStatus, error) {
	if !CanTransitionExecution(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeTransition,
			"illegal execution transition %s -> %s", from, to)
	}
	return to, nil
}

// CanTransitionStep reports whether from -> to is a legal step edge.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, next := range ValidStepTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
