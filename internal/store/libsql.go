package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stepflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow swallows them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	susp, err := marshalSuspension(rec.Suspension)
	if err != nil {
		return fmt.Errorf("marshal suspension: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, current_step_index, data, user_id, conversation_id, user_context,
		 prompt_tokens, completion_tokens, total_tokens, suspension, error, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.Status), rec.CurrentStepIndex,
		nullRaw(rec.Data), nullStr(rec.UserID), nullStr(rec.ConversationID), nullRaw(rec.UserContext),
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
		susp, nullRaw(rec.Error), timeOrNow(rec.StartedAt), nullTime(rec.EndedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		status                      string
		data, userCtx, susp, errRaw sql.NullString
		userID, convID              sql.NullString
		endedAt                     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, current_step_index, data, user_id, conversation_id, user_context,
		 prompt_tokens, completion_tokens, total_tokens, suspension, error, started_at, ended_at, updated_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.WorkflowID, &status, &rec.CurrentStepIndex, &data, &userID, &convID, &userCtx,
		&rec.Usage.PromptTokens, &rec.Usage.CompletionTokens, &rec.Usage.TotalTokens,
		&susp, &errRaw, &rec.StartedAt, &endedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.Data = rawOrNil(data)
	rec.UserID = userID.String
	rec.ConversationID = convID.String
	rec.UserContext = rawOrNil(userCtx)
	rec.Error = rawOrNil(errRaw)
	if endedAt.Valid {
		rec.EndedAt = &endedAt.Time
	}
	if susp.Valid && susp.String != "" {
		var sp schema.Suspension
		if err := json.Unmarshal([]byte(susp.String), &sp); err != nil {
			return nil, fmt.Errorf("unmarshal suspension: %w", err)
		}
		rec.Suspension = &sp
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStepIndex != nil {
		sets = append(sets, "current_step_index = ?")
		args = append(args, *update.CurrentStepIndex)
	}
	if update.Data != nil {
		sets = append(sets, "data = ?")
		args = append(args, string(update.Data))
	}
	if update.Usage != nil {
		sets = append(sets, "prompt_tokens = ?", "completion_tokens = ?", "total_tokens = ?")
		args = append(args, update.Usage.PromptTokens, update.Usage.CompletionTokens, update.Usage.TotalTokens)
	}
	if update.Suspension != nil {
		susp, err := marshalSuspension(update.Suspension)
		if err != nil {
			return fmt.Errorf("marshal suspension: %w", err)
		}
		sets = append(sets, "suspension = ?")
		args = append(args, susp)
	} else if update.ClearSuspension {
		sets = append(sets, "suspension = NULL")
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	query := `SELECT id FROM executions`
	var conds []string
	var args []any
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ExecutionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, row *StepRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (execution_id, step_id, status, input, output, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output,
		   error=excluded.error, updated_at=excluded.updated_at`,
		row.ExecutionID, row.StepID, string(row.Status),
		nullRaw(row.Input), nullRaw(row.Output), nullRaw(row.Error), timeOrNow(row.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, input, output, error, updated_at
		 FROM step_records WHERE execution_id = ? ORDER BY updated_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRow
	for rows.Next() {
		r := &StepRow{}
		var status string
		var input, output, errRaw sql.NullString
		if err := rows.Scan(&r.ExecutionID, &r.StepID, &status, &input, &output, &errRaw, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = schema.StepStatus(status)
		r.Input = rawOrNil(input)
		r.Output = rawOrNil(output)
		r.Error = rawOrNil(errRaw)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Event log ---

// AppendEvent inserts an event. When the event carries no sequence the next
// per-execution value is computed inside the transaction, so concurrent
// appenders cannot interleave sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if event.Sequence <= 0 {
		var seq int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("get next sequence: %w", err)
		}
		event.Sequence = seq
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, sequence, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, event.Sequence,
		nullRaw(event.Payload), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, sequence, payload, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.Type, &e.Sequence, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpr, nullRaw(job.Input), job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, cron_expr, input, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_jobs ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var input sql.NullString
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.CronExpr, &input, &j.Enabled, &lastRun, &nextRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Input = rawOrNil(input)
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- helpers ---

func marshalSuspension(sp *schema.Suspension) (sql.NullString, error) {
	if sp == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(sp)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)
