package engine

import (
	"sort"
	"sync"

	"github.com/calvera-dev/stepflow/pkg/workflow"
)

// stepRegistry holds per-step {input, output} records for one execution.
// The controller is the single writer; step code reads through the
// workflow.StepReader view. Re-executing a step overwrites its record.
type stepRegistry struct {
	mu      sync.RWMutex
	records map[string]workflow.StepRecord
}

func newStepRegistry() *stepRegistry {
	return &stepRegistry{records: make(map[string]workflow.StepRecord)}
}

func (r *stepRegistry) put(stepID string, input, output any) {
	r.mu.Lock()
	r.records[stepID] = workflow.StepRecord{StepID: stepID, Input: input, Output: output}
	r.mu.Unlock()
}

// Get implements workflow.StepReader.
func (r *stepRegistry) Get(stepID string) (workflow.StepRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[stepID]
	return rec, ok
}

// IDs implements workflow.StepReader.
func (r *stepRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ workflow.StepReader = (*stepRegistry)(nil)

// stagedRecords buffers registry writes from one parallel branch. The group
// merges staged records into the live registry only after it settles, so a
// losing or failing branch never pollutes the registry.
type stagedRecords struct {
	entries []workflow.StepRecord
}

func (s *stagedRecords) put(stepID string, input, output any) {
	s.entries = append(s.entries, workflow.StepRecord{StepID: stepID, Input: input, Output: output})
}

// recordSink abstracts where a completed step's record lands: the live
// registry for sequential execution, a staging buffer inside parallel groups.
type recordSink interface {
	put(stepID string, input, output any)
}

var (
	_ recordSink = (*stepRegistry)(nil)
	_ recordSink = (*stagedRecords)(nil)
)
