package schema

import "time"

// Stream event types emitted by the execution controller. Steps may emit
// additional custom types through their event writer; those never collide with
// the reserved "workflow-" / "step-" prefixes below by convention.
const (
	EventWorkflowStart     = "workflow-start"
	EventWorkflowComplete  = "workflow-complete"
	EventWorkflowError     = "workflow-error"
	EventWorkflowSuspended = "workflow-suspended"
	EventWorkflowResumed   = "workflow-resumed"
	EventWorkflowCancelled = "workflow-cancelled"

	EventStepStart     = "step-start"
	EventStepComplete  = "step-complete"
	EventStepError     = "step-error"
	EventStepSuspended = "step-suspended"
	EventStepSkipped   = "step-skipped"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuspended StepStatus = "suspended"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StreamEvent is one entry in an execution's ordered event sequence.
// Sequence is assigned by the stream at emission time and is strictly
// increasing per execution.
type StreamEvent struct {
	Sequence    uint64          `json:"sequence"`
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	From        string          `json:"from,omitempty"`
	StepIndex   *int            `json:"step_index,omitempty"`
	Input       any             `json:"input,omitempty"`
	Output      any             `json:"output,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Suspension describes why and where an execution stopped mid-flight.
// It is persisted with the execution record and echoed to callers so they
// can resume with an informed payload.
type Suspension struct {
	StepID      string         `json:"step_id"`
	StepIndex   int            `json:"step_index"`
	Reason      string         `json:"reason"`
	Payload     map[string]any `json:"payload,omitempty"`
	External    bool           `json:"external,omitempty"`
	SuspendedAt time.Time      `json:"suspended_at"`
}
