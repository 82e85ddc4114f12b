// Package memstore provides in-memory implementations of the orchestrator's
// store interfaces, intended for tests and local development, following the
// clone-on-read discipline used by the wider runtime's inmem stores.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/replyforge/agentrelay/internal/orchestrator"
)

// ConversationStore is an in-memory orchestrator.ConversationStore.
type ConversationStore struct {
	mu   sync.Mutex
	byID map[string]*orchestrator.Conversation
}

// NewConversationStore constructs an empty ConversationStore.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[string]*orchestrator.Conversation)}
}

// Create inserts c, failing if the id already exists.
func (s *ConversationStore) Create(_ context.Context, c *orchestrator.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[c.ID]; exists {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	clone := *c
	s.byID[c.ID] = &clone
	return nil
}

// Get returns a clone of the conversation with id, if present.
func (s *ConversationStore) Get(_ context.Context, id string) (*orchestrator.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, false, nil
	}
	clone := *c
	return &clone, true, nil
}

// MessageStore is an in-memory orchestrator.MessageStore.
type MessageStore struct {
	mu      sync.Mutex
	byConvo map[string][]*orchestrator.Message
	byID    map[string]*orchestrator.Message
}

// NewMessageStore constructs an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byConvo: make(map[string][]*orchestrator.Message),
		byID:    make(map[string]*orchestrator.Message),
	}
}

// Append persists m. Re-appending the same message id is a no-op (§4.9
// push_finished: "duplicates are silently ignored").
func (s *MessageStore) Append(_ context.Context, m *orchestrator.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[m.ID]; exists {
		return nil
	}
	clone := *m
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.byID[m.ID] = &clone
	s.byConvo[m.ConversationID] = append(s.byConvo[m.ConversationID], &clone)
	return nil
}

// Messages returns a snapshot of every message appended for conversationID,
// in append order. Test helper, not part of orchestrator.MessageStore.
func (s *MessageStore) Messages(conversationID string) []*orchestrator.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orchestrator.Message, len(s.byConvo[conversationID]))
	copy(out, s.byConvo[conversationID])
	return out
}

// AgentSessionStore is an in-memory orchestrator.AgentSessionStore.
type AgentSessionStore struct {
	mu   sync.Mutex
	byID map[string]*orchestrator.AgentSessionRecord
}

// NewAgentSessionStore constructs an empty AgentSessionStore.
func NewAgentSessionStore() *AgentSessionStore {
	return &AgentSessionStore{byID: make(map[string]*orchestrator.AgentSessionRecord)}
}

// Create inserts rec, overwriting any existing row for the same reply id
// (spawn retries are not expected, but this keeps Create idempotent).
func (s *AgentSessionStore) Create(_ context.Context, rec *orchestrator.AgentSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *rec
	s.byID[rec.ReplyID] = &clone
	return nil
}

// UpdateStatus updates the status and pid for replyID, setting FinishedAt
// when status is terminal. No-op if the row doesn't exist (defensive; the
// Supervisor always creates the row before transitioning it).
func (s *AgentSessionStore) UpdateStatus(_ context.Context, replyID string, status orchestrator.AgentSessionStatus, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[replyID]
	if !ok {
		return nil
	}
	rec.Status = status
	if pid != 0 {
		rec.PID = pid
	}
	switch status {
	case orchestrator.AgentSessionCompleted, orchestrator.AgentSessionCancelled, orchestrator.AgentSessionFailed:
		rec.FinishedAt = time.Now()
	}
	return nil
}

// Get returns a clone of the row for replyID, if present.
func (s *AgentSessionStore) Get(_ context.Context, replyID string) (*orchestrator.AgentSessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[replyID]
	if !ok {
		return nil, false, nil
	}
	clone := *rec
	return &clone, true, nil
}

// PlanStore is an in-memory orchestrator.PlanStore.
type PlanStore struct {
	mu   sync.Mutex
	byID map[string]*orchestrator.Plan
}

// NewPlanStore constructs an empty PlanStore.
func NewPlanStore() *PlanStore {
	return &PlanStore{byID: make(map[string]*orchestrator.Plan)}
}

// Get returns a clone of the plan row for conversationID, if present.
func (s *PlanStore) Get(_ context.Context, conversationID string) (*orchestrator.Plan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[conversationID]
	if !ok {
		return nil, false, nil
	}
	clone := *p
	clone.CompletedPhases = append([]int(nil), p.CompletedPhases...)
	clone.PhaseOutputs = cloneRawMap(p.PhaseOutputs)
	return &clone, true, nil
}

// Upsert overwrites the plan row keyed by plan.ConversationID.
func (s *PlanStore) Upsert(_ context.Context, plan *orchestrator.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *plan
	clone.CompletedPhases = append([]int(nil), plan.CompletedPhases...)
	clone.PhaseOutputs = cloneRawMap(plan.PhaseOutputs)
	s.byID[plan.ConversationID] = &clone
	return nil
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
