package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// MemoryStore is an in-memory Store for embedded use and tests. Everything is
// copied on the way in and out so callers cannot alias internal state.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionRecord
	steps      map[string]map[string]*StepRow // executionID -> stepID -> row
	events     map[string][]*Event
	jobs       map[string]*ScheduledJob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*ExecutionRecord),
		steps:      make(map[string]map[string]*StepRow),
		events:     make(map[string][]*Event),
		jobs:       make(map[string]*ScheduledJob),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[rec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", rec.ID)
	}
	cp := *rec
	cp.StartedAt = timeOrNow(rec.StartedAt)
	cp.UpdatedAt = timeOrNow(rec.UpdatedAt)
	s.executions[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.CurrentStepIndex != nil {
		rec.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.Data != nil {
		rec.Data = update.Data
	}
	if update.Usage != nil {
		rec.Usage = *update.Usage
	}
	if update.Suspension != nil {
		sp := *update.Suspension
		rec.Suspension = &sp
	} else if update.ClearSuspension {
		rec.Suspension = nil
	}
	if update.Error != nil {
		rec.Error = update.Error
	}
	if update.EndedAt != nil {
		rec.EndedAt = update.EndedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionRecord
	for _, rec := range s.executions {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertStepRecord(ctx context.Context, row *StepRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.steps[row.ExecutionID]
	if !ok {
		byStep = make(map[string]*StepRow)
		s.steps[row.ExecutionID] = byStep
	}
	cp := *row
	cp.UpdatedAt = timeOrNow(row.UpdatedAt)
	byStep[row.StepID] = &cp
	return nil
}

func (s *MemoryStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStep := s.steps[executionID]
	out := make([]*StepRow, 0, len(byStep))
	for _, row := range byStep {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	if cp.Sequence <= 0 {
		cp.Sequence = int64(len(s.events[event.ExecutionID])) + 1
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.ID = int64(len(s.events[event.ExecutionID])) + 1
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(job.CreatedAt)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteScheduledJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
