package workflow

import (
	"time"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// State is the mutable record of one workflow execution. The controller is
// its single writer; step code receives it read-only through StepInput.
type State struct {
	ExecutionID      string                 `json:"execution_id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           schema.ExecutionStatus `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Data             any                    `json:"data,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	UserContext      map[string]any         `json:"user_context,omitempty"`
	Usage            schema.Usage           `json:"usage"`
	Suspension       *schema.Suspension     `json:"suspension,omitempty"`
	Error            *schema.FlowError      `json:"error,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
}

// Env projects the state into the flat map shape expression engines evaluate
// against.
func (s *State) Env() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	ctx := s.UserContext
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"execution_id":    s.ExecutionID,
		"workflow_id":     s.WorkflowID,
		"status":          string(s.Status),
		"user_id":         s.UserID,
		"conversation_id": s.ConversationID,
		"context":         ctx,
		"usage": map[string]any{
			"prompt_tokens":     s.Usage.PromptTokens,
			"completion_tokens": s.Usage.CompletionTokens,
			"total_tokens":      s.Usage.TotalTokens,
		},
	}
}
