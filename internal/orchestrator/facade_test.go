package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBroadcaster struct {
	mu              sync.Mutex
	replyingEvents  int
	publishedEvents int
	finished        int
	cancelled       int
}

func newFakeBroadcaster() *fakeBroadcaster { return &fakeBroadcaster{} }

func (b *fakeBroadcaster) PublishReplyingState(context.Context, string, string, bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyingEvents++
	return nil
}

func (b *fakeBroadcaster) PublishEvent(context.Context, string, string, DownstreamEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishedEvents++
	return nil
}

func (b *fakeBroadcaster) PublishFinished(context.Context, string, string, Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished++
	return nil
}

func (b *fakeBroadcaster) PublishCancelled(context.Context, string, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled++
	return nil
}

func newTestFacade(t *testing.T) (*Facade, *fakeLauncher, *memMessageStore) {
	t.Helper()
	launcher := newFakeLauncher()
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)
	plans := &memPlanStore{plans: make(map[string]*Plan)}
	messages := &memMessageStore{}
	convos := &memConversationStore{convos: make(map[string]*Conversation)}

	facade := NewFacade(FacadeDeps{
		Supervisor:    sv,
		Projector:     NewProjector(plans),
		Broadcaster:   newFakeBroadcaster(),
		Conversations: convos,
		Messages:      messages,
		Forensics:     nil,
	})
	return facade, launcher, messages
}

type memPlanStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
}

func (s *memPlanStore) Get(_ context.Context, conversationID string) (*Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[conversationID]
	return p, ok, nil
}

func (s *memPlanStore) Upsert(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *plan
	s.plans[plan.ConversationID] = &clone
	return nil
}

type memConversationStore struct {
	mu     sync.Mutex
	convos map[string]*Conversation
}

func (s *memConversationStore) Create(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.convos[c.ID] = &clone
	return nil
}

func (s *memConversationStore) Get(_ context.Context, id string) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[id]
	return c, ok, nil
}

func TestFacadeSendMintsConversationAndSubscribesBeforeCallback(t *testing.T) {
	t.Parallel()

	facade, _, _ := newTestFacade(t)
	res, err := facade.Send(context.Background(), SendParams{UserID: "user-1", Message: "hello there"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)
	require.NotEmpty(t, res.ReplyID)
	require.NotNil(t, res.Subscription)
}

func TestFacadePushEventsAccumulatesText(t *testing.T) {
	t.Parallel()

	facade, _, _ := newTestFacade(t)
	res, err := facade.Send(context.Background(), SendParams{UserID: "user-1", Message: "hi"})
	require.NoError(t, err)

	callback, _ := json.Marshal(map[string]any{
		"replyId": res.ReplyID,
		"events": []map[string]any{
			{"type": "text", "content": "hello "},
			{"type": "text", "content": "world"},
		},
	})
	require.NoError(t, facade.PushEvents(context.Background(), res.ReplyID, callback))

	sess, ok := facade.supervisor.Session(res.ReplyID)
	require.True(t, ok)
	require.Equal(t, "hello world", sess.Reply.AccumulatedText())
}

func TestFacadePushFinishedPersistsAssistantMessageAndClosesHub(t *testing.T) {
	t.Parallel()

	facade, _, messages := newTestFacade(t)
	res, err := facade.Send(context.Background(), SendParams{UserID: "user-1", Message: "hi"})
	require.NoError(t, err)

	callback, _ := json.Marshal(map[string]any{
		"replyId": res.ReplyID,
		"events":  []map[string]any{{"type": "text", "content": "final answer"}},
	})
	require.NoError(t, facade.PushEvents(context.Background(), res.ReplyID, callback))
	require.NoError(t, facade.PushFinished(context.Background(), res.ReplyID, ""))

	require.Len(t, messages.messages, 2) // user message + assistant message
	require.Equal(t, "final answer", messages.messages[len(messages.messages)-1].Content)

	var sawDone bool
	for ev := range res.Subscription.Events() {
		if ev.Type == DownstreamDone {
			sawDone = true
		}
	}
	require.True(t, sawDone)
}

func TestFacadeInterruptRejectsWrongUser(t *testing.T) {
	t.Parallel()

	facade, _, _ := newTestFacade(t)
	res, err := facade.Send(context.Background(), SendParams{UserID: "user-1", Message: "hi"})
	require.NoError(t, err)

	_, err = facade.Interrupt(context.Background(), "someone-else", res.ReplyID)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindUnauthorizedInterrupt, kind)
}

func TestFacadeInterruptSendsCancelledThenDone(t *testing.T) {
	t.Parallel()

	facade, _, _ := newTestFacade(t)
	res, err := facade.Send(context.Background(), SendParams{UserID: "user-1", Message: "hi"})
	require.NoError(t, err)

	found, err := facade.Interrupt(context.Background(), "user-1", res.ReplyID)
	require.NoError(t, err)
	require.True(t, found)

	var types []DownstreamType
	for ev := range res.Subscription.Events() {
		types = append(types, ev.Type)
	}
	require.Equal(t, []DownstreamType{DownstreamCancelled, DownstreamDone}, types)
}
