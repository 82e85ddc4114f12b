package orchestrator

import "context"

// Broadcaster is the external collaborator satisfying §4.8: pushing events
// onto the conversation-level socket pub/sub bus, independent of the
// per-reply SSE Hub. The production implementation is a Pulse/Redis-backed
// adapter; tests may substitute an in-memory fake.
type Broadcaster interface {
	PublishReplyingState(ctx context.Context, conversationID, replyID string, replying bool) error
	PublishEvent(ctx context.Context, conversationID, replyID string, ev DownstreamEvent) error
	PublishFinished(ctx context.Context, conversationID, replyID string, status Status) error
	PublishCancelled(ctx context.Context, conversationID, replyID string) error
}
