package schema

// Usage accumulates token consumption across agent calls in an execution.
// Counters only grow; non-agent steps contribute nothing.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add folds another usage record into u. Negative deltas are ignored so the
// counters stay monotonic even with a misbehaving provider.
func (u *Usage) Add(d Usage) {
	if d.PromptTokens > 0 {
		u.PromptTokens += d.PromptTokens
	}
	if d.CompletionTokens > 0 {
		u.CompletionTokens += d.CompletionTokens
	}
	if d.TotalTokens > 0 {
		u.TotalTokens += d.TotalTokens
	} else if d.PromptTokens > 0 || d.CompletionTokens > 0 {
		u.TotalTokens += max(d.PromptTokens, 0) + max(d.CompletionTokens, 0)
	}
}
