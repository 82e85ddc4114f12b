package orchestrator

import "encoding/json"

// DownstreamType enumerates the SSE wire event types (§6) that the Hub fans
// out to subscribers.
type DownstreamType string

const (
	DownstreamStart            DownstreamType = "start"
	DownstreamChunk            DownstreamType = "chunk"
	DownstreamThinking         DownstreamType = "thinking"
	DownstreamToolCall         DownstreamType = "tool_call"
	DownstreamToolResult       DownstreamType = "tool_result"
	DownstreamCoordinatorEvent DownstreamType = "coordinator_event"
	DownstreamTestcases        DownstreamType = "testcases"
	DownstreamHeartbeat        DownstreamType = "heartbeat"
	DownstreamCancelled        DownstreamType = "cancelled"
	DownstreamDone             DownstreamType = "done"
	DownstreamError            DownstreamType = "error"
)

// DownstreamEvent is one frame destined for the SSE stream and the broadcast
// bus. Payload is pre-encoded so the SSE Adapter and Broadcast Adapter never
// need to know the concrete payload shape for a given Type.
type DownstreamEvent struct {
	Type    DownstreamType
	Payload json.RawMessage
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// NewStartEvent builds the `start` frame sent before the agent can produce
// any output (§5 ordering guarantee).
func NewStartEvent(conversationID, replyID string) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamStart, Payload: mustJSON(struct {
		ConversationID string `json:"conversation_id"`
		ReplyID        string `json:"reply_id"`
	}{conversationID, replyID})}
}

// NewChunkEvent builds a `chunk` frame carrying a text delta.
func NewChunkEvent(content string) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamChunk, Payload: mustJSON(struct {
		Content string `json:"content"`
	}{content})}
}

// NewThinkingEvent builds a `thinking` frame carrying a reasoning delta.
func NewThinkingEvent(content string) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamThinking, Payload: mustJSON(struct {
		Content string `json:"content"`
	}{content})}
}

// NewToolCallEvent builds a `tool_call` frame with the display name already
// substituted.
func NewToolCallEvent(id, displayName string, input json.RawMessage) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamToolCall, Payload: mustJSON(struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}{id, displayName, input})}
}

// NewToolResultEvent builds a `tool_result` frame with the display name
// already substituted.
func NewToolResultEvent(id, displayName, output string, success bool) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamToolResult, Payload: mustJSON(struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Output  string `json:"output"`
		Success bool   `json:"success"`
	}{id, displayName, output, success})}
}

// NewCoordinatorEvent passes a coordinator event through to subscribers.
func NewCoordinatorEvent(eventType string, data json.RawMessage) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamCoordinatorEvent, Payload: mustJSON(struct {
		EventType string          `json:"event_type"`
		Data      json.RawMessage `json:"data"`
	}{eventType, data})}
}

// NewTestcasesEvent builds a one-shot `testcases` frame.
func NewTestcasesEvent(status string, count int, testcases json.RawMessage) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamTestcases, Payload: mustJSON(struct {
		Data struct {
			Status    string          `json:"status"`
			Count     int             `json:"count"`
			Testcases json.RawMessage `json:"testcases"`
		} `json:"data"`
	}{struct {
		Status    string          `json:"status"`
		Count     int             `json:"count"`
		Testcases json.RawMessage `json:"testcases"`
	}{status, count, testcases}})}
}

// NewHeartbeatEvent builds an empty keep-alive frame.
func NewHeartbeatEvent() DownstreamEvent {
	return DownstreamEvent{Type: DownstreamHeartbeat, Payload: mustJSON(struct{}{})}
}

// cancelledMessage is the fixed cancellation notice shown to clients (§8 S3).
const cancelledMessage = "用户终止了请求"

// NewCancelledEvent builds the terminal `cancelled` frame.
func NewCancelledEvent() DownstreamEvent {
	return DownstreamEvent{Type: DownstreamCancelled, Payload: mustJSON(struct {
		Message string `json:"message"`
	}{cancelledMessage})}
}

// NewDoneEvent builds the terminal `done` frame.
func NewDoneEvent(conversationID string, timestamp int64) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamDone, Payload: mustJSON(struct {
		ConversationID string `json:"conversation_id"`
		Timestamp      int64  `json:"timestamp"`
	}{conversationID, timestamp})}
}

// NewErrorEvent builds an `error` frame, used for synthetic terminal failures
// (§8 S6) as well as parse/runtime warnings surfaced to the client.
func NewErrorEvent(message string) DownstreamEvent {
	return DownstreamEvent{Type: DownstreamError, Payload: mustJSON(struct {
		Message string `json:"message"`
	}{message})}
}
