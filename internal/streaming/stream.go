package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

// Event is the wire shape shared with the public schema package.
type Event = schema.StreamEvent

// Recorder receives every emitted event synchronously, in order. The engine
// installs one that appends to the store's event log.
type Recorder func(Event)

// Stream is the ordered, lossless, append-only event sequence of a single
// execution. Unlike the hub, nothing is ever dropped: readers replay from the
// beginning and then follow live emissions. A stream survives suspension —
// it is closed only when the execution reaches a terminal status.
type Stream struct {
	executionID string
	workflowID  string

	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	seq    uint64
	closed bool
	done   chan struct{}

	hub      Hub
	recorder Recorder

	abortFn func()
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithHub mirrors every emission into the process-wide hub (best effort).
func WithHub(h Hub) StreamOption {
	return func(s *Stream) { s.hub = h }
}

// WithRecorder installs a synchronous per-event recorder.
func WithRecorder(r Recorder) StreamOption {
	return func(s *Stream) { s.recorder = r }
}

// NewStream creates the event stream for one execution.
func NewStream(executionID, workflowID string, opts ...StreamOption) *Stream {
	s := &Stream{
		executionID: executionID,
		workflowID:  workflowID,
		done:        make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAbort installs the cancellation hook invoked by Abort. The engine arms
// this with the run context's cancel function on every drive, so a hook spent
// while the execution was suspended does not eat a post-resume Abort.
func (s *Stream) SetAbort(fn func()) {
	s.mu.Lock()
	s.abortFn = fn
	s.mu.Unlock()
}

// Abort cancels the underlying execution. The installed hook fires at most
// once; repeat calls without a fresh SetAbort are no-ops.
func (s *Stream) Abort() {
	s.mu.Lock()
	fn := s.abortFn
	s.abortFn = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Emit stamps the event with the execution's identity, the next sequence
// number and the current time, then appends it. Events on a closed stream are
// silently discarded; the controller never emits after terminal, so this only
// guards late custom writers.
func (s *Stream) Emit(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	ev.Sequence = s.seq
	ev.ExecutionID = s.executionID
	ev.WorkflowID = s.workflowID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	if s.recorder != nil {
		s.recorder(ev)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.hub != nil {
		_ = s.hub.Publish(context.Background(), ev)
	}
}

// Close marks the sequence complete. Blocked readers drain what remains and
// then their channels close. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of every event emitted so far.
func (s *Stream) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Events returns a channel replaying the sequence from the first event and
// then following live emissions. The channel closes when the stream closes
// (after delivering everything) or when ctx is cancelled. Multiple concurrent
// readers each get the full sequence.
func (s *Stream) Events(ctx context.Context) <-chan Event {
	out := make(chan Event)

	// Wake blocked waiters when the caller gives up.
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-s.done:
		}
	}()

	go func() {
		defer close(out)
		next := 0
		for {
			s.mu.Lock()
			for next >= len(s.events) && !s.closed && ctx.Err() == nil {
				s.cond.Wait()
			}
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			if next >= len(s.events) && s.closed {
				s.mu.Unlock()
				return
			}
			ev := s.events[next]
			next++
			s.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// PipeOptions controls PipeFrom relaying.
type PipeOptions struct {
	// Prefix is prepended to every relayed event's type.
	Prefix string
	// Filter, when set, drops events it returns false for.
	Filter func(Event) bool
}

// PipeFrom relays events from src into the stream until src closes or ctx is
// cancelled. Relayed events are re-stamped by Emit, so they interleave in
// causal order with the controller's own events.
func (s *Stream) PipeFrom(ctx context.Context, src <-chan Event, opts PipeOptions) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			if opts.Filter != nil && !opts.Filter(ev) {
				continue
			}
			if opts.Prefix != "" {
				ev.Type = opts.Prefix + ev.Type
			}
			s.Emit(ev)
		}
	}
}
