package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Event, n int) []Event {
	out := make([]Event, 0, n)
	for ev := range ch {
		out = append(out, ev)
		if len(out) == n {
			break
		}
	}
	return out
}

func TestStream_OrderedSequence(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	s.Emit(Event{Type: "workflow-start"})
	s.Emit(Event{Type: "step-start", From: "a"})
	s.Emit(Event{Type: "step-complete", From: "a"})
	s.Close()

	events := s.Snapshot()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, "exec-1", ev.ExecutionID)
		assert.Equal(t, "wf-1", ev.WorkflowID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestStream_ReplayFromStart(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	s.Emit(Event{Type: "one"})
	s.Emit(Event{Type: "two"})

	// A reader attaching late still sees the full sequence.
	ch := s.Events(context.Background())
	got := collect(ch, 2)
	assert.Equal(t, "one", got[0].Type)
	assert.Equal(t, "two", got[1].Type)

	s.Emit(Event{Type: "three"})
	s.Close()
	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "three", ev.Type)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestStream_MultipleReaders(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	ch1 := s.Events(context.Background())
	ch2 := s.Events(context.Background())

	s.Emit(Event{Type: "one"})
	s.Emit(Event{Type: "two"})
	s.Close()

	for _, ch := range []<-chan Event{ch1, ch2} {
		got := collect(ch, 2)
		require.Len(t, got, 2)
		assert.Equal(t, "one", got[0].Type)
		assert.Equal(t, "two", got[1].Type)
	}
}

func TestStream_ReaderCancellation(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Events(ctx)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("reader channel did not close after cancellation")
	}

	// The stream itself is unaffected.
	s.Emit(Event{Type: "later"})
	assert.Len(t, s.Snapshot(), 1)
}

func TestStream_CloseDrainsThenCloses(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	s.Emit(Event{Type: "one"})
	s.Close()
	s.Close() // idempotent

	ch := s.Events(context.Background())
	got := collect(ch, 1)
	require.Len(t, got, 1)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestStream_EmitAfterCloseDiscarded(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	s.Emit(Event{Type: "one"})
	s.Close()
	s.Emit(Event{Type: "late"})
	assert.Len(t, s.Snapshot(), 1)
}

func TestStream_RecorderSeesEveryEvent(t *testing.T) {
	var recorded []Event
	s := NewStream("exec-1", "wf-1", WithRecorder(func(ev Event) {
		recorded = append(recorded, ev)
	}))
	s.Emit(Event{Type: "one"})
	s.Emit(Event{Type: "two"})

	require.Len(t, recorded, 2)
	assert.Equal(t, uint64(1), recorded[0].Sequence)
	assert.Equal(t, uint64(2), recorded[1].Sequence)
}

func TestStream_HubMirroring(t *testing.T) {
	hub := NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	s := NewStream("exec-1", "wf-1", WithHub(hub))
	s.Emit(Event{Type: "one"})

	select {
	case ev := <-ch:
		assert.Equal(t, "one", ev.Type)
		assert.Equal(t, "exec-1", ev.ExecutionID)
	case <-time.After(2 * time.Second):
		t.Fatal("hub subscriber did not receive the event")
	}
}

// --- Abort ---

func TestStream_AbortIdempotent(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	calls := 0
	s.SetAbort(func() { calls++ })

	s.Abort()
	s.Abort()
	assert.Equal(t, 1, calls)
}

func TestStream_AbortRearmsPerHook(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	first, second := 0, 0

	s.SetAbort(func() { first++ })
	s.Abort() // aimed at a drive that already settled
	s.Abort()
	assert.Equal(t, 1, first)

	// A resumed execution arms a fresh hook; the spent one must not absorb it.
	s.SetAbort(func() { second++ })
	s.Abort()
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestStream_AbortWithoutHook(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	s.Abort() // no-op, must not panic
}

// --- PipeFrom ---

func TestStream_PipeFromPrefixAndFilter(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	src := make(chan Event, 3)
	src <- Event{Type: "delta", Output: "hel"}
	src <- Event{Type: "noise"}
	src <- Event{Type: "delta", Output: "lo"}
	close(src)

	s.PipeFrom(context.Background(), src, PipeOptions{
		Prefix: "agent-",
		Filter: func(ev Event) bool { return ev.Type == "delta" },
	})

	events := s.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "agent-delta", events[0].Type)
	assert.Equal(t, "hel", events[0].Output)
	assert.Equal(t, "agent-delta", events[1].Type)
}

func TestStream_PipeFromStopsOnContext(t *testing.T) {
	s := NewStream("exec-1", "wf-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := make(chan Event) // never written, never closed
	done := make(chan struct{})
	go func() {
		s.PipeFrom(ctx, src, PipeOptions{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PipeFrom did not return after context cancellation")
	}
}
