// Package pulse implements the Broadcast Adapter (§4.8) on top of
// goa.design/pulse streams, mirroring the layering of the runtime's own Pulse
// stream sink: callers build a Redis client, pass it to the pulse client, and
// hand the resulting adapter to the orchestrator.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/replyforge/agentrelay/features/stream/pulse/clients/pulse"
	"github.com/replyforge/agentrelay/internal/orchestrator"
)

// socket event names mirrored onto Pulse stream entry names (§6: "/client
// namespace, chat-{conversation_id} rooms, pushReplies / pushReplyingState /
// pushFinished / pushCancelled events"). There is no socket.io-equivalent
// library in the retrieved stack, so the Pulse envelope's Type field stands in
// for the socket event name.
const (
	EventPushReplies       = "pushReplies"
	EventPushReplyingState = "pushReplyingState"
	EventPushFinished      = "pushFinished"
	EventPushCancelled     = "pushCancelled"
)

// Envelope is the payload published to a `chat-{conversation_id}` stream,
// shaped after the runtime's stream.Envelope (Type/Timestamp/Payload).
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	ReplyID        string          `json:"reply_id"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Adapter publishes orchestrator downstream events onto the
// `chat-{conversation_id}` Pulse stream for conversation-level fan-out to
// any number of connected socket clients, independent of the per-reply SSE
// Hub (§4.8).
type Adapter struct {
	client          pulse.Client
	marshalEnvelope func(Envelope) ([]byte, error)
}

// NewAdapter constructs a broadcast Adapter backed by client.
func NewAdapter(client pulse.Client) *Adapter {
	return &Adapter{client: client, marshalEnvelope: defaultMarshal}
}

func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func streamID(conversationID string) string {
	return fmt.Sprintf("chat-%s", conversationID)
}

// PublishReplyingState announces that a reply started or stopped streaming
// (pushReplyingState).
func (a *Adapter) PublishReplyingState(ctx context.Context, conversationID, replyID string, replying bool) error {
	return a.publish(ctx, conversationID, replyID, EventPushReplyingState, struct {
		Replying bool `json:"replying"`
	}{replying})
}

// PublishEvent forwards one Hub downstream event to the conversation's room
// (pushReplies), preserving the original event type and payload.
func (a *Adapter) PublishEvent(ctx context.Context, conversationID, replyID string, ev orchestrator.DownstreamEvent) error {
	return a.publish(ctx, conversationID, replyID, EventPushReplies, struct {
		EventType orchestrator.DownstreamType `json:"event_type"`
		Data      json.RawMessage             `json:"data"`
	}{ev.Type, ev.Payload})
}

// PublishFinished announces a reply reached a terminal, non-cancelled state
// (pushFinished).
func (a *Adapter) PublishFinished(ctx context.Context, conversationID, replyID string, status orchestrator.Status) error {
	return a.publish(ctx, conversationID, replyID, EventPushFinished, struct {
		Status orchestrator.Status `json:"status"`
	}{status})
}

// PublishCancelled announces a reply was interrupted (pushCancelled).
func (a *Adapter) PublishCancelled(ctx context.Context, conversationID, replyID string) error {
	return a.publish(ctx, conversationID, replyID, EventPushCancelled, struct{}{})
}

func (a *Adapter) publish(ctx context.Context, conversationID, replyID, eventType string, payload any) error {
	stream, err := a.client.Stream(streamID(conversationID))
	if err != nil {
		return orchestrator.Wrap(orchestrator.KindPersistenceError, err, "open broadcast stream").WithReply(replyID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return orchestrator.Wrap(orchestrator.KindPersistenceError, err, "marshal broadcast payload").WithReply(replyID)
	}
	env := Envelope{
		Type:           eventType,
		ConversationID: conversationID,
		ReplyID:        replyID,
		Timestamp:      time.Now().UTC(),
		Payload:        data,
	}
	body, err := a.marshalEnvelope(env)
	if err != nil {
		return orchestrator.Wrap(orchestrator.KindPersistenceError, err, "marshal broadcast envelope").WithReply(replyID)
	}
	if _, err := stream.Add(ctx, eventType, body); err != nil {
		return orchestrator.Wrap(orchestrator.KindPersistenceError, err, "publish broadcast event").WithReply(replyID)
	}
	return nil
}

// Close releases the underlying Pulse client.
func (a *Adapter) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}
