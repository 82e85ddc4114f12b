package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replyforge/agentrelay/internal/orchestrator"
	"github.com/replyforge/agentrelay/internal/telemetry"
)

type testLauncher struct {
	mu   sync.Mutex
	pid  int
	proc *testProcess
}

type testProcess struct {
	waitCh chan struct{}
}

func (p *testProcess) PID() int             { return 1 }
func (p *testProcess) Signal() error         { return nil }
func (p *testProcess) Kill() error           { return nil }
func (p *testProcess) Wait() <-chan struct{} { return p.waitCh }

func (l *testLauncher) Launch(context.Context, orchestrator.SpawnParams) (orchestrator.AgentProcess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pid++
	l.proc = &testProcess{waitCh: make(chan struct{})}
	return l.proc, nil
}

type memSessions struct {
	mu   sync.Mutex
	recs map[string]*orchestrator.AgentSessionRecord
}

func newMemSessions() *memSessions {
	return &memSessions{recs: make(map[string]*orchestrator.AgentSessionRecord)}
}

func (s *memSessions) Create(_ context.Context, rec *orchestrator.AgentSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.recs[rec.ReplyID] = &clone
	return nil
}

func (s *memSessions) UpdateStatus(_ context.Context, replyID string, status orchestrator.AgentSessionStatus, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[replyID]
	if !ok {
		return nil
	}
	rec.Status = status
	if pid != 0 {
		rec.PID = pid
	}
	return nil
}

func (s *memSessions) Get(_ context.Context, replyID string) (*orchestrator.AgentSessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[replyID]
	return rec, ok, nil
}

type memMessages struct {
	mu       sync.Mutex
	messages []*orchestrator.Message
}

func (s *memMessages) Append(_ context.Context, m *orchestrator.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

type memConversations struct {
	mu     sync.Mutex
	convos map[string]*orchestrator.Conversation
}

func (s *memConversations) Create(_ context.Context, c *orchestrator.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.convos[c.ID] = &clone
	return nil
}

func (s *memConversations) Get(_ context.Context, id string) (*orchestrator.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[id]
	return c, ok, nil
}

type memPlans struct {
	mu    sync.Mutex
	plans map[string]*orchestrator.Plan
}

func (s *memPlans) Get(_ context.Context, conversationID string) (*orchestrator.Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[conversationID]
	return p, ok, nil
}

func (s *memPlans) Upsert(_ context.Context, plan *orchestrator.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *plan
	s.plans[plan.ConversationID] = &clone
	return nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) PublishReplyingState(context.Context, string, string, bool) error { return nil }
func (noopBroadcaster) PublishEvent(context.Context, string, string, orchestrator.DownstreamEvent) error {
	return nil
}
func (noopBroadcaster) PublishFinished(context.Context, string, string, orchestrator.Status) error {
	return nil
}
func (noopBroadcaster) PublishCancelled(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	launcher := &testLauncher{}
	filter := orchestrator.NewToolFilter(nil, nil)
	sv := orchestrator.NewSupervisor(orchestrator.DefaultConfig(), launcher, filter, newMemSessions(), orchestrator.NewConversationIndex(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	facade := orchestrator.NewFacade(orchestrator.FacadeDeps{
		Supervisor:    sv,
		Projector:     orchestrator.NewProjector(&memPlans{plans: make(map[string]*orchestrator.Plan)}),
		Broadcaster:   noopBroadcaster{},
		Conversations: &memConversations{convos: make(map[string]*orchestrator.Conversation)},
		Messages:      &memMessages{},
	})
	return NewServer(facade, Options{HeartbeatInterval: time.Hour})
}

func TestHandleSendMintsReplyAndConversation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	body, _ := json.Marshal(sendRequest{UserID: "user-1", Message: "hello"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp sendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ConversationID)
	require.NotEmpty(t, resp.ReplyID)
	require.Equal(t, "processing", resp.Status)
}

func TestHandleSendRejectsMissingFields(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	body, _ := json.Marshal(sendRequest{UserID: "user-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStreamWritesStartFrame(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	body, _ := json.Marshal(sendRequest{UserID: "user-1", Message: "hello"})

	ctx, cancel := context.WithCancel(context.Background())
	streamReq := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	streamReq = streamReq.WithContext(ctx)
	streamW := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(streamW, streamReq)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	reader := bufio.NewReader(strings.NewReader(streamW.Body.String()))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: start\n", line)
}

func TestHandlePushMessageRequiresCallbackSecret(t *testing.T) {
	t.Parallel()

	launcher := &testLauncher{}
	filter := orchestrator.NewToolFilter(nil, nil)
	sv := orchestrator.NewSupervisor(orchestrator.DefaultConfig(), launcher, filter, newMemSessions(), orchestrator.NewConversationIndex(), telemetry.NewNoopLogger(), telemetry.NewNoopMetrics())
	facade := orchestrator.NewFacade(orchestrator.FacadeDeps{
		Supervisor:    sv,
		Projector:     orchestrator.NewProjector(&memPlans{plans: make(map[string]*orchestrator.Plan)}),
		Broadcaster:   noopBroadcaster{},
		Conversations: &memConversations{convos: make(map[string]*orchestrator.Conversation)},
		Messages:      &memMessages{},
	})
	s := NewServer(facade, Options{CallbackSecret: "shh"})

	req := httptest.NewRequest(http.MethodPost, "/trpc/pushMessageToChatAgent", bytes.NewReader([]byte(`{"replyId":"x","events":[]}`)))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlePushMessageReturnsSuccessBody(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	body, _ := json.Marshal(sendRequest{UserID: "user-1", Message: "hello"})
	sendReq := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	sendW := httptest.NewRecorder()
	s.ServeHTTP(sendW, sendReq)
	var sendResp sendResponse
	require.NoError(t, json.Unmarshal(sendW.Body.Bytes(), &sendResp))

	payload, _ := json.Marshal(map[string]any{"replyId": sendResp.ReplyID, "events": []any{}})
	req := httptest.NewRequest(http.MethodPost, "/trpc/pushMessageToChatAgent", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp["success"])
}

func TestHandleInterruptReturnsSuccessField(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	body, _ := json.Marshal(sendRequest{UserID: "user-1", Message: "hello"})
	sendReq := httptest.NewRequest(http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	sendW := httptest.NewRecorder()
	s.ServeHTTP(sendW, sendReq)
	var sendResp sendResponse
	require.NoError(t, json.Unmarshal(sendW.Body.Bytes(), &sendResp))

	payload, _ := json.Marshal(map[string]string{"user_id": "user-1", "reply_id": sendResp.ReplyID})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/interrupt", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp["success"])
}

// flushRecorder is an httptest.ResponseRecorder that also implements
// http.Flusher, required by the SSE stream handler.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}
