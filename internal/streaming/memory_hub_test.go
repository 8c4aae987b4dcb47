package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, h *MemoryHub, ev Event) {
	t.Helper()
	require.NoError(t, h.Publish(context.Background(), ev))
}

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestMemoryHub_FanOut(t *testing.T) {
	h := NewMemoryHub()
	ch1, cancel1, err := h.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := h.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	publish(t, h, Event{Type: "workflow-start", ExecutionID: "e1"})

	assert.Equal(t, "workflow-start", recvOne(t, ch1).Type)
	assert.Equal(t, "workflow-start", recvOne(t, ch2).Type)
}

func TestMemoryHub_FilterByExecution(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel, err := h.Subscribe(context.Background(), EventFilter{ExecutionID: "e2"})
	require.NoError(t, err)
	defer cancel()

	publish(t, h, Event{Type: "a", ExecutionID: "e1"})
	publish(t, h, Event{Type: "b", ExecutionID: "e2"})

	assert.Equal(t, "b", recvOne(t, ch).Type)
	assert.Empty(t, ch)
}

func TestMemoryHub_FilterByTypes(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel, err := h.Subscribe(context.Background(), EventFilter{
		EventTypes: []string{"workflow-complete", "workflow-error"},
	})
	require.NoError(t, err)
	defer cancel()

	publish(t, h, Event{Type: "step-start"})
	publish(t, h, Event{Type: "workflow-complete"})

	assert.Equal(t, "workflow-complete", recvOne(t, ch).Type)
	assert.Empty(t, ch)
}

func TestMemoryHub_DropOnFullSubscriber(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel, err := h.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; Publish must never block and overflow is dropped.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		publish(t, h, Event{Type: "tick"})
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestMemoryHub_CancelRemovesSubscriber(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel, err := h.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)

	cancel()
	publish(t, h, Event{Type: "after-cancel"})
	assert.Empty(t, ch)
}

func TestMemoryHub_SubscribeWithDeadContext(t *testing.T) {
	h := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := h.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
}
