package orchestrator

import (
	"encoding/json"
	"strings"
)

// testcaseHintTokens are the fixed hint tokens that must appear in the
// accumulated text before a testcase extraction attempt is made (§4.3).
var testcaseHintTokens = []string{
	"testcases",
	"interface_name",
	"generate_positive_cases",
	"generate_negative_cases",
}

const testcaseMinLength = 100

// testcasesDoc is the shape extraction expects to parse out of the
// accumulated text: a JSON object carrying a non-empty `testcases` array.
type testcasesDoc struct {
	Testcases []json.RawMessage `json:"testcases"`
}

// Accumulator holds the per-reply transcript assembly and hidden-tool policy
// described in §4.3. One Accumulator exists per Reply and is only ever driven
// from that reply's serialized actor (§5).
type Accumulator struct {
	reply  *Reply
	filter *ToolFilter
}

// NewAccumulator constructs an Accumulator bound to reply, using filter to
// resolve hidden tools and display names.
func NewAccumulator(reply *Reply, filter *ToolFilter) *Accumulator {
	return &Accumulator{reply: reply, filter: filter}
}

// Process applies one inbound Event to the accumulator's state, returning the
// downstream events (zero or more) to publish to the Hub, in order. The
// caller must invoke Process only from the owning reply's serialized handler.
func (a *Accumulator) Process(ev Event) []DownstreamEvent {
	switch ev.Type {
	case EventText:
		return a.processText(ev.Content)
	case EventThinking:
		return []DownstreamEvent{NewThinkingEvent(ev.Content)}
	case EventToolCall:
		return a.processToolCall(ev)
	case EventToolResult:
		return a.processToolResult(ev)
	case EventCoordinatorEvent:
		return []DownstreamEvent{NewCoordinatorEvent(ev.EventType, ev.Data)}
	default:
		return nil
	}
}

func (a *Accumulator) processText(content string) []DownstreamEvent {
	accumulated, appended := a.reply.AppendText(content)
	if !appended {
		return nil
	}
	out := []DownstreamEvent{NewChunkEvent(content)}
	if tc, ok := a.tryExtractTestcases(accumulated); ok {
		out = append(out, tc)
	}
	return out
}

func (a *Accumulator) processToolCall(ev Event) []DownstreamEvent {
	if a.filter.IsHidden(ev.Name) {
		a.reply.MarkToolHidden(ev.ID)
		return nil
	}
	return []DownstreamEvent{NewToolCallEvent(ev.ID, a.filter.Display(ev.Name), ev.Input)}
}

func (a *Accumulator) processToolResult(ev Event) []DownstreamEvent {
	if a.filter.IsHidden(ev.Name) || a.reply.IsToolHidden(ev.ID) {
		return nil
	}
	return []DownstreamEvent{NewToolResultEvent(ev.ID, a.filter.Display(ev.Name), ev.Output, ev.Success)}
}

// tryExtractTestcases attempts the one-shot testcase extraction described in
// §4.3: after any text update, if not already extracted, the accumulated text
// is long enough, contains a hint token, and a balanced-brace JSON object
// containing a non-empty `testcases` array can be located, emit a `testcases`
// downstream event and latch the one-shot flag.
func (a *Accumulator) tryExtractTestcases(accumulated string) (DownstreamEvent, bool) {
	if len(accumulated) <= testcaseMinLength {
		return DownstreamEvent{}, false
	}
	if !containsAnyToken(accumulated, testcaseHintTokens) {
		return DownstreamEvent{}, false
	}
	doc, raw, ok := extractBalancedTestcasesObject(accumulated)
	if !ok || len(doc.Testcases) == 0 {
		return DownstreamEvent{}, false
	}
	if !a.reply.TryExtractTestcase() {
		return DownstreamEvent{}, false
	}
	_ = raw
	return NewTestcasesEvent("extracted", len(doc.Testcases), mustJSON(doc.Testcases)), true
}

func containsAnyToken(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// extractBalancedTestcasesObject locates the first occurrence of the literal
// "testcases" key and tries each `{` before it, nearest first, returning the
// first one that opens a balanced-brace JSON object whose decoded form has a
// non-empty `testcases` array. Regex cannot express balanced braces in Go's
// RE2 engine, so this walks brace depth by hand instead.
func extractBalancedTestcasesObject(text string) (testcasesDoc, string, bool) {
	anchor := strings.Index(text, `"testcases"`)
	if anchor < 0 {
		return testcasesDoc{}, "", false
	}
	// Walk backward from the anchor to find the nearest enclosing `{`.
	start := strings.LastIndexByte(text[:anchor], '{')
	for start >= 0 {
		if end, ok := matchBalancedBrace(text, start); ok {
			candidate := text[start : end+1]
			var doc testcasesDoc
			if err := json.Unmarshal([]byte(candidate), &doc); err == nil && len(doc.Testcases) > 0 {
				return doc, candidate, true
			}
		}
		next := strings.LastIndexByte(text[:start], '{')
		if next == start {
			break
		}
		start = next
	}
	return testcasesDoc{}, "", false
}

// matchBalancedBrace returns the index of the `}` that closes the `{` at
// open, respecting string literals so braces inside quoted values don't
// confuse the depth count.
func matchBalancedBrace(text string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
