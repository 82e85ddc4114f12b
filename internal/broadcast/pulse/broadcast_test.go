package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/replyforge/agentrelay/features/stream/pulse/clients/pulse"
	"github.com/replyforge/agentrelay/internal/orchestrator"
)

type fakeStream struct {
	name     string
	added    []addedEntry
	failNext bool
}

type addedEntry struct {
	event   string
	payload []byte
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.failNext {
		return "", context.DeadlineExceeded
	}
	s.added = append(s.added, addedEntry{event: event, payload: payload})
	return "1-0", nil
}

func (s *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (pulse.Sink, error) {
	return nil, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeClient struct {
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (pulse.Stream, error) {
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func TestAdapterPublishEventUsesConversationStream(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	adapter := NewAdapter(client)

	ev := orchestrator.DownstreamEvent{Type: orchestrator.DownstreamChunk, Payload: json.RawMessage(`{"content":"hi"}`)}
	require.NoError(t, adapter.PublishEvent(context.Background(), "conv-1", "reply-1", ev))

	stream := client.streams["chat-conv-1"]
	require.NotNil(t, stream)
	require.Len(t, stream.added, 1)
	require.Equal(t, EventPushReplies, stream.added[0].event)

	var env Envelope
	require.NoError(t, json.Unmarshal(stream.added[0].payload, &env))
	require.Equal(t, EventPushReplies, env.Type)
	require.Equal(t, "conv-1", env.ConversationID)
	require.Equal(t, "reply-1", env.ReplyID)
}

func TestAdapterPublishReplyingStateAndFinishedAndCancelled(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	adapter := NewAdapter(client)
	ctx := context.Background()

	require.NoError(t, adapter.PublishReplyingState(ctx, "conv-2", "reply-2", true))
	require.NoError(t, adapter.PublishFinished(ctx, "conv-2", "reply-2", orchestrator.StatusCompleted))
	require.NoError(t, adapter.PublishCancelled(ctx, "conv-2", "reply-2"))

	stream := client.streams["chat-conv-2"]
	require.Len(t, stream.added, 3)
	require.Equal(t, EventPushReplyingState, stream.added[0].event)
	require.Equal(t, EventPushFinished, stream.added[1].event)
	require.Equal(t, EventPushCancelled, stream.added[2].event)
}

func TestAdapterPublishPropagatesStreamError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	stream := &fakeStream{name: "chat-conv-3", failNext: true}
	client.streams["chat-conv-3"] = stream
	adapter := NewAdapter(client)

	err := adapter.PublishCancelled(context.Background(), "conv-3", "reply-3")
	require.Error(t, err)
	kind, ok := orchestrator.KindOf(err)
	require.True(t, ok)
	require.Equal(t, orchestrator.KindPersistenceError, kind)
}
