// Package store persists executions, step records, the append-only event log
// and scheduled jobs. Two implementations ship: LibSQLStore (embedded SQLite
// via libSQL) for durable deployments and MemoryStore for embedding and tests.
package store

import "context"

// Store is the persistence contract. All implementations must be safe for
// concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// Step records (materialized view, overwritten on re-execution)
	UpsertStepRecord(ctx context.Context, row *StepRow) error
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRow, error)

	// Event log (append-only, per-execution monotone sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
