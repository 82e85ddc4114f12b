package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubPublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	a := h.Subscribe()
	b := h.Subscribe()

	h.Publish(DownstreamEvent{Type: DownstreamChunk})

	require.Equal(t, DownstreamChunk, (<-a.Events()).Type)
	require.Equal(t, DownstreamChunk, (<-b.Events()).Type)
}

func TestHubPublishDropsSlowSubscriberWithoutBlockingOthers(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	slow := h.Subscribe()
	fast := h.Subscribe()

	// Fill slow's one-slot buffer, then publish again so the next send
	// overflows it and detaches the subscription.
	h.Publish(DownstreamEvent{Type: DownstreamChunk})
	h.Publish(DownstreamEvent{Type: DownstreamChunk})

	select {
	case <-slow.Dropped():
	case <-time.After(time.Second):
		t.Fatal("expected slow subscriber's Dropped() to close on backpressure")
	}

	_, ok := <-fast.Events()
	require.True(t, ok, "fast subscriber should still receive its first event")
}

func TestHubCloseDoesNotSignalDropped(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	sub := h.Subscribe()
	h.Close(NewDoneEvent("conv-1", 0))

	select {
	case <-sub.Dropped():
		t.Fatal("Dropped() must not close on a normal hub close")
	default:
	}

	ev, ok := <-sub.Events()
	require.True(t, ok, "the terminal event is delivered before end-of-stream")
	require.Equal(t, DownstreamDone, ev.Type)

	_, ok = <-sub.Events()
	require.False(t, ok, "Events() should be closed after hub close")
}
