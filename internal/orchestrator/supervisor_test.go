package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replyforge/agentrelay/internal/telemetry"
)

func newTestSupervisor(launcher *fakeLauncher, sessions AgentSessionStore) *Supervisor {
	cfg := DefaultConfig()
	cfg.SoftKillGrace = 20 * time.Millisecond
	return NewSupervisor(cfg, launcher, NewToolFilter(nil, nil), sessions, NewConversationIndex(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
}

type memSessionStore struct {
	mu   sync.Mutex
	recs map[string]*AgentSessionRecord
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{recs: make(map[string]*AgentSessionRecord)}
}

func (s *memSessionStore) Create(_ context.Context, rec *AgentSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.recs[rec.ReplyID] = &clone
	return nil
}

func (s *memSessionStore) UpdateStatus(_ context.Context, replyID string, status AgentSessionStatus, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.recs[replyID]; ok {
		rec.Status = status
		if pid != 0 {
			rec.PID = pid
		}
	}
	return nil
}

func (s *memSessionStore) Get(_ context.Context, replyID string) (*AgentSessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[replyID]
	return rec, ok, nil
}

type memMessageStore struct {
	mu       sync.Mutex
	messages []*Message
}

func (s *memMessageStore) Append(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func TestSupervisorSpawnTransitionsToRunning(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)

	sess, err := sv.Spawn(context.Background(), SpawnParams{
		ConversationID: "conv-1",
		ReplyID:        "reply-1",
		UserID:         "user-1",
		Query:          "hello",
	})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, sess.Reply.Status())
	require.True(t, sv.IsRunning("reply-1"))

	rec, ok, err := sessions.Get(context.Background(), "reply-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, AgentSessionRunning, rec.Status)
}

func TestSupervisorSpawnFailureCleansUpIndex(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	launcher.failNext = true
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)

	_, err := sv.Spawn(context.Background(), SpawnParams{ConversationID: "conv-1", ReplyID: "reply-1", UserID: "user-1"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindSpawnFailed, kind)

	require.Empty(t, sv.convos.Active("conv-1"))
	rec, ok, err := sessions.Get(context.Background(), "reply-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, AgentSessionFailed, rec.Status)
}

func TestSupervisorTerminateSignalsThenHardKillsAfterGrace(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)

	sess, err := sv.Spawn(context.Background(), SpawnParams{ConversationID: "conv-1", ReplyID: "reply-1", UserID: "user-1"})
	require.NoError(t, err)

	var terminalEvents []DownstreamEvent
	sub := sess.Hub.Subscribe()
	done := make(chan struct{})
	go func() {
		for ev := range sub.Events() {
			terminalEvents = append(terminalEvents, ev)
		}
		close(done)
	}()

	msgs := &memMessageStore{}
	require.NoError(t, sv.Terminate(context.Background(), "reply-1", msgs))
	require.Equal(t, StatusCancelled, sess.Reply.Status())

	<-done
	require.Len(t, terminalEvents, 2)
	require.Equal(t, DownstreamCancelled, terminalEvents[0].Type)
	require.Equal(t, DownstreamDone, terminalEvents[1].Type)

	proc := launcher.process("reply-1")
	require.True(t, proc.wasSignaled())

	require.Eventually(t, proc.wasKilled, time.Second, 5*time.Millisecond)

	// Idempotent: a second terminate is a no-op, not an error.
	require.NoError(t, sv.Terminate(context.Background(), "reply-1", msgs))
}

func TestSupervisorWatchExitSynthesizesFailureWithoutCallback(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)

	sess, err := sv.Spawn(context.Background(), SpawnParams{ConversationID: "conv-1", ReplyID: "reply-1", UserID: "user-1"})
	require.NoError(t, err)

	sub := sess.Hub.Subscribe()

	proc := launcher.process("reply-1")
	proc.exitNow()

	require.Eventually(t, func() bool {
		return sess.Reply.Status().Terminal()
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StatusFailed, sess.Reply.Status())

	var gotError, gotDone bool
	for ev := range sub.Events() {
		if ev.Type == DownstreamError {
			gotError = true
		}
		if ev.Type == DownstreamDone {
			gotDone = true
		}
	}
	require.True(t, gotError)
	require.True(t, gotDone)

	require.Eventually(t, func() bool {
		return len(sv.convos.Active("conv-1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisorTerminateConversationTerminatesAllActiveReplies(t *testing.T) {
	t.Parallel()

	launcher := newFakeLauncher()
	sessions := newMemSessionStore()
	sv := newTestSupervisor(launcher, sessions)

	_, err := sv.Spawn(context.Background(), SpawnParams{ConversationID: "conv-1", ReplyID: "reply-1", UserID: "user-1"})
	require.NoError(t, err)
	_, err = sv.Spawn(context.Background(), SpawnParams{ConversationID: "conv-1", ReplyID: "reply-2", UserID: "user-1"})
	require.NoError(t, err)

	require.NoError(t, sv.TerminateConversation(context.Background(), "conv-1", &memMessageStore{}))

	require.False(t, sv.IsRunning("reply-1"))
	require.False(t, sv.IsRunning("reply-2"))
}
