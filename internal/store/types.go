package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// ExecutionRecord is the persisted snapshot of one workflow execution. It is
// the source of truth for resuming across process boundaries: a suspended
// execution is rebuilt from this record plus its step rows.
type ExecutionRecord struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	Status           schema.ExecutionStatus `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Data             json.RawMessage        `json:"data,omitempty"`
	UserID           string                 `json:"user_id,omitempty"`
	ConversationID   string                 `json:"conversation_id,omitempty"`
	UserContext      json.RawMessage        `json:"user_context,omitempty"`
	Usage            schema.Usage           `json:"usage"`
	Suspension       *schema.Suspension     `json:"suspension,omitempty"`
	Error            json.RawMessage        `json:"error,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ExecutionUpdate is a partial update to an execution record. Nil fields are
// left unchanged; ClearSuspension removes the suspension explicitly since a
// nil Suspension just means "no change".
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus
	CurrentStepIndex *int
	Data             json.RawMessage
	Usage            *schema.Usage
	Suspension       *schema.Suspension
	ClearSuspension  bool
	Error            json.RawMessage
	EndedAt          *time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     schema.ExecutionStatus
	Limit      int
}

// StepRow is the persisted input/output record of one step within an
// execution. Re-execution of a step overwrites its row.
type StepRow struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Event is one entry in the append-only per-execution event log. Payload is
// the serialized stream event.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"type"`
	Sequence    int64           `json:"sequence"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ScheduledJob triggers a workflow on a cron expression.
type ScheduledJob struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	CronExpr   string          `json:"cron_expr"`
	Input      json.RawMessage `json:"input,omitempty"`
	Enabled    bool            `json:"enabled"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ScheduledJobUpdate is a partial update to a scheduled job.
type ScheduledJobUpdate struct {
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

// --- SQL null helpers ---

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
