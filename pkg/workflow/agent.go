package workflow

import (
	"context"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// AgentRequest is what an AgentCall step hands to its agent.
type AgentRequest struct {
	System string         `json:"system,omitempty"`
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentResponse is an agent's final answer plus the tokens it consumed.
type AgentResponse struct {
	Output any          `json:"output"`
	Usage  schema.Usage `json:"usage"`
}

// Agent is the minimal capability an AgentCall step needs. Implementations
// wrap an LLM provider, a remote service, or a test double.
type Agent interface {
	Name() string
	Generate(ctx context.Context, req *AgentRequest) (*AgentResponse, error)
}

// StreamingAgent is implemented by agents that can emit token deltas while
// generating. The controller pipes those deltas into the execution stream.
type StreamingAgent interface {
	Agent
	// Stream returns a channel of events ending with either a complete or an
	// error event. The implementation must close the channel when done.
	Stream(ctx context.Context, req *AgentRequest) (<-chan AgentEvent, error)
}

// AgentEventType discriminates streamed agent events.
type AgentEventType string

const (
	AgentEventDelta    AgentEventType = "delta"
	AgentEventComplete AgentEventType = "complete"
	AgentEventError    AgentEventType = "error"
)

// AgentEvent is one item in a streaming agent's output.
type AgentEvent struct {
	Type     AgentEventType
	Delta    string
	Response *AgentResponse
	Err      error
}
