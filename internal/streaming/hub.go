// Package streaming carries execution events to two kinds of consumers: the
// per-execution Stream (ordered and lossless, for the caller driving the
// workflow) and the process-wide Hub (filtered pub/sub with drop-on-full
// backpressure, for observers).
package streaming

import "context"

// EventFilter narrows which events a hub subscriber receives.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Hub is process-wide pub/sub over stream events. Delivery to observers is
// best-effort; the lossless contract lives in Stream, not here.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
