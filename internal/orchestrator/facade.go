package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/replyforge/agentrelay/internal/telemetry"
)

// titlePreviewLength bounds the placeholder conversation title minted from
// the opening message (§4.9 send).
const titlePreviewLength = 50

// Facade implements §4.9: the four public entry points that tie the
// Supervisor, Event Parser, Accumulator, Projector, Hub and Broadcaster
// together.
type Facade struct {
	supervisor  *Supervisor
	projector   *Projector
	broadcaster Broadcaster

	conversations ConversationStore
	messages      MessageStore
	forensics     ForensicsStore

	callbackURLFor func(replyID string) string
	model          string

	log telemetry.Logger
	met telemetry.Metrics
	trc telemetry.Tracer
}

// FacadeDeps bundles the Facade's collaborators.
type FacadeDeps struct {
	Supervisor     *Supervisor
	Projector      *Projector
	Broadcaster    Broadcaster
	Conversations  ConversationStore
	Messages       MessageStore
	Forensics      ForensicsStore
	CallbackURLFor func(replyID string) string
	Model          string
	Log            telemetry.Logger
	Met            telemetry.Metrics
	Trc            telemetry.Tracer
}

// NewFacade constructs a Facade from deps, defaulting telemetry to no-ops
// when left unset.
func NewFacade(deps FacadeDeps) *Facade {
	if deps.Log == nil {
		deps.Log = telemetry.NewNoopLogger()
	}
	if deps.Met == nil {
		deps.Met = telemetry.NewNoopMetrics()
	}
	if deps.Trc == nil {
		deps.Trc = telemetry.NewNoopTracer()
	}
	return &Facade{
		supervisor:     deps.Supervisor,
		projector:      deps.Projector,
		broadcaster:    deps.Broadcaster,
		conversations:  deps.Conversations,
		messages:       deps.Messages,
		forensics:      deps.Forensics,
		callbackURLFor: deps.CallbackURLFor,
		model:          deps.Model,
		log:            deps.Log,
		met:            deps.Met,
		trc:            deps.Trc,
	}
}

// SendParams carries the inputs to Send (§4.9 send).
type SendParams struct {
	UserID         string
	ConversationID string // optional; minted when empty
	Message        string
	UploadedFiles  []string
}

// SendResult is returned by Send: the resolved ids plus a subscription opened
// synchronously, before the subprocess has any chance to call back (§5).
type SendResult struct {
	ConversationID string
	ReplyID        string
	Subscription   *Subscription
}

// Send implements §4.9 send.
func (f *Facade) Send(ctx context.Context, params SendParams) (SendResult, error) {
	ctx, span := f.trc.Start(ctx, "facade.send")
	defer span.End()

	conversationID := params.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
		title := params.Message
		if runes := []rune(title); len(runes) > titlePreviewLength {
			title = string(runes[:titlePreviewLength])
		}
		if err := f.conversations.Create(ctx, &Conversation{
			ID:        conversationID,
			UserID:    params.UserID,
			Title:     title,
			CreatedAt: time.Now(),
		}); err != nil {
			return SendResult{}, Wrap(KindPersistenceError, err, "create conversation")
		}
	}

	userMessageID := uuid.NewString()
	if err := f.messages.Append(ctx, &Message{
		ID:             userMessageID,
		ConversationID: conversationID,
		Role:           "user",
		Content:        params.Message,
		CreatedAt:      time.Now(),
	}); err != nil {
		return SendResult{}, Wrap(KindPersistenceError, err, "persist user message")
	}

	replyID := uuid.NewString()
	query := buildQueryPayload(params.UserID, conversationID, params.UploadedFiles, params.Message)

	callbackURL := ""
	if f.callbackURLFor != nil {
		callbackURL = f.callbackURLFor(replyID)
	}

	sess, err := f.supervisor.Spawn(ctx, SpawnParams{
		ConversationID: conversationID,
		ReplyID:        replyID,
		UserID:         params.UserID,
		Query:          query,
		CallbackURL:    callbackURL,
		Model:          f.model,
	})
	if err != nil {
		return SendResult{}, err
	}

	sub := sess.Hub.Subscribe()
	if err := f.broadcaster.PublishReplyingState(ctx, conversationID, replyID, true); err != nil {
		f.log.Warn(ctx, "broadcast replying_state failed", "reply_id", replyID, "conversation_id", conversationID, "error", err)
	}

	return SendResult{ConversationID: conversationID, ReplyID: replyID, Subscription: sub}, nil
}

// buildQueryPayload builds the agent query payload described by §4.9: a JSON
// array whose first element is a `[SYSTEM CONTEXT]` block identifying
// user/conversation/files, followed by the raw message.
func buildQueryPayload(userID, conversationID string, uploadedFiles []string, message string) string {
	var ctx strings.Builder
	ctx.WriteString("[SYSTEM CONTEXT]\n")
	fmt.Fprintf(&ctx, "user_id: %s\n", userID)
	fmt.Fprintf(&ctx, "conversation_id: %s\n", conversationID)
	if len(uploadedFiles) > 0 {
		fmt.Fprintf(&ctx, "uploaded_files: %s\n", strings.Join(uploadedFiles, ", "))
	}
	return string(mustJSON([]string{ctx.String(), message}))
}

// Session exposes the live Session for replyID, so the SSE handler can
// subscribe to its Hub directly without depending on the Supervisor.
func (f *Facade) Session(replyID string) (*Session, bool) {
	return f.supervisor.Session(replyID)
}

// Interrupt implements §4.9 interrupt: authorize by user_id, terminate, and
// report whether a live agent was found.
func (f *Facade) Interrupt(ctx context.Context, userID, replyID string) (bool, error) {
	sess, ok := f.supervisor.Session(replyID)
	if !ok {
		return false, nil
	}
	if sess.Reply.UserID != userID {
		return false, New(KindUnauthorizedInterrupt, "reply %s is not owned by user %s", replyID, userID).WithReply(replyID)
	}
	if err := f.supervisor.Terminate(ctx, replyID, f.messages); err != nil {
		if kind, known := KindOf(err); known && kind == KindUnknownReply {
			return false, nil
		}
		return false, err
	}
	if err := f.broadcaster.PublishCancelled(ctx, sess.Reply.ConversationID, replyID); err != nil {
		f.log.Warn(ctx, "broadcast cancelled failed", "reply_id", replyID, "conversation_id", sess.Reply.ConversationID, "error", err)
	}
	return true, nil
}

// InterruptConversation terminates every active reply for conversationID
// (§12 supplemented feature: conversation-level terminate-all).
func (f *Facade) InterruptConversation(ctx context.Context, userID, conversationID string) error {
	return f.supervisor.TerminateConversation(ctx, conversationID, f.messages)
}

// PushEvents implements §4.9 push_events: feed each event through
// Accumulator -> Projector -> Hub -> Broadcast, in order.
func (f *Facade) PushEvents(ctx context.Context, replyID string, raw []byte) error {
	sess, ok := f.supervisor.Session(replyID)
	if !ok {
		f.log.Warn(ctx, "push_events for unknown reply", "reply_id", replyID)
		return nil // orphan callbacks are logged, never fatal (§4.2).
	}

	result, err := ParseCallback(raw)
	if err != nil {
		return err
	}

	sess.WithHandlerLock(func() {
		if sess.Reply.Status().Terminal() {
			return
		}
		for _, ev := range result.Events {
			downstream := sess.Accumulator.Process(ev)
			if ev.Type == EventCoordinatorEvent {
				if err := f.projector.Apply(ctx, sess.Reply.ConversationID, ev.EventType, ev.Data); err != nil {
					f.log.Warn(ctx, "plan projection failed", "reply_id", replyID, "error", err)
				}
			}
			for _, d := range downstream {
				sess.Hub.Publish(d)
				if err := f.broadcaster.PublishEvent(ctx, sess.Reply.ConversationID, replyID, d); err != nil {
					f.log.Warn(ctx, "broadcast event failed", "reply_id", replyID, "conversation_id", sess.Reply.ConversationID, "error", err)
				}
			}
		}
		if f.forensics != nil {
			f.forensics.Put(replyID, sess.Reply.AccumulatedText())
		}
	})

	if result.Skipped > 0 {
		f.log.Warn(ctx, "push_events skipped malformed events", "reply_id", replyID, "skipped", result.Skipped)
	}
	return nil
}

// PushFinished implements §4.9 push_finished: flush accumulated_text as a
// durable assistant message, close the Hub with `done`, mark the durable
// record completed.
func (f *Facade) PushFinished(ctx context.Context, replyID string, stableMessageID string) error {
	sess, ok := f.supervisor.Session(replyID)
	if !ok {
		f.log.Warn(ctx, "push_finished for unknown reply", "reply_id", replyID)
		return nil
	}

	sess.WithHandlerLock(func() {
		if sess.Reply.Status().Terminal() {
			return
		}
		text := sess.Reply.AccumulatedText()
		if text != "" {
			id := stableMessageID
			if id == "" {
				id = uuid.NewString()
			}
			if err := f.messages.Append(ctx, &Message{
				ID:             id,
				ConversationID: sess.Reply.ConversationID,
				Role:           "assistant",
				Content:        text,
				CreatedAt:      time.Now(),
			}); err != nil {
				f.log.Warn(ctx, "persist assistant message failed", "reply_id", replyID, "conversation_id", sess.Reply.ConversationID, "error", err, "content", text)
			}
		}
		sess.Reply.Transition(StatusCompleted)
		sess.Hub.Close(NewDoneEvent(sess.Reply.ConversationID, time.Now().UnixMilli()))
	})

	if err := f.supervisor.Complete(ctx, replyID); err != nil {
		f.log.Warn(ctx, "failed to mark agent session completed", "reply_id", replyID, "error", err)
	}
	if err := f.broadcaster.PublishFinished(ctx, sess.Reply.ConversationID, replyID, sess.Reply.Status()); err != nil {
		f.log.Warn(ctx, "broadcast finished failed", "reply_id", replyID, "conversation_id", sess.Reply.ConversationID, "error", err)
	}
	return nil
}
