package orchestrator

import "encoding/json"

// EventType discriminates the inbound agent event union (§3 Event, §6 wire form).
type EventType string

const (
	EventText             EventType = "text"
	EventThinking         EventType = "thinking"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventCoordinatorEvent EventType = "coordinator_event"
)

// Event is the typed discriminated union the Parser materializes from raw
// agent callback payloads. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// text / thinking
	Content string

	// tool_call / tool_result
	ID      string
	Name    string
	Input   json.RawMessage
	Output  string
	Success bool

	// coordinator_event
	EventType string
	Data      json.RawMessage
}

// rawEvent mirrors the wire shape of one element of the preferred `events[]`
// callback form.
type rawEvent struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Output    string          `json:"output"`
	Success   bool            `json:"success"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// legacyContentBlock is one element of the legacy `msg.content` array form.
type legacyContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

// legacyMessage is the deprecated callback shape `{reply_id, msg}`. Content
// may be a bare string or an array of legacyContentBlock. Retained per the
// spec's open question (dropping it is deferred to a migration window);
// callers should prefer the events[] form.
type legacyMessage struct {
	Content json.RawMessage `json:"content"`
}

// callbackPayload is the full inbound shape of /trpc/pushMessageToChatAgent:
// exactly one of Events or Msg is populated.
type callbackPayload struct {
	ReplyID string         `json:"replyId"`
	Events  []rawEvent     `json:"events"`
	Msg     *legacyMessage `json:"msg"`
}

// ParseResult holds the events successfully decoded from one callback batch
// plus any parse warnings (never fatal to the batch, §4.2).
type ParseResult struct {
	ReplyID string
	Events  []Event
	Skipped int
}

// ParseCallback decodes raw into typed events. Malformed individual events are
// skipped (counted in Skipped), never aborting the rest of the batch. Exactly
// one of the `events[]` or legacy `msg` forms is expected; if both are absent
// the result carries zero events.
func ParseCallback(raw []byte) (ParseResult, error) {
	var payload callbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ParseResult{}, Wrap(KindParseError, err, "decode callback payload")
	}
	result := ParseResult{ReplyID: payload.ReplyID}
	switch {
	case len(payload.Events) > 0:
		for _, re := range payload.Events {
			ev, ok := parseRawEvent(re)
			if !ok {
				result.Skipped++
				continue
			}
			result.Events = append(result.Events, ev)
		}
	case payload.Msg != nil:
		result.Events = append(result.Events, parseLegacyMessage(*payload.Msg)...)
	}
	return result, nil
}

func parseRawEvent(re rawEvent) (Event, bool) {
	switch EventType(re.Type) {
	case EventText:
		return Event{Type: EventText, Content: re.Content}, true
	case EventThinking:
		return Event{Type: EventThinking, Content: re.Content}, true
	case EventToolCall:
		if re.ID == "" || re.Name == "" {
			return Event{}, false
		}
		return Event{Type: EventToolCall, ID: re.ID, Name: re.Name, Input: re.Input}, true
	case EventToolResult:
		if re.ID == "" || re.Name == "" {
			return Event{}, false
		}
		return Event{Type: EventToolResult, ID: re.ID, Name: re.Name, Output: re.Output, Success: re.Success}, true
	case EventCoordinatorEvent:
		if re.EventType == "" {
			return Event{}, false
		}
		return Event{Type: EventCoordinatorEvent, EventType: re.EventType, Data: re.Data}, true
	default:
		return Event{}, false
	}
}

// parseLegacyMessage synthesizes text/thinking events from the legacy
// `msg.content` shape: either a bare JSON string (-> one text event) or an
// array of {type, text|thinking} blocks.
func parseLegacyMessage(msg legacyMessage) []Event {
	if len(msg.Content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []Event{{Type: EventText, Content: asString}}
	}
	var blocks []legacyContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	events := make([]Event, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			events = append(events, Event{Type: EventText, Content: b.Text})
		case "thinking":
			events = append(events, Event{Type: EventThinking, Content: b.Thinking})
		}
	}
	return events
}
