package orchestrator

import (
	"context"
	"time"
)

// Message is a durable conversation message (role "user" or "assistant").
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// Conversation is a durable conversation record. Title is set once at
// creation from the first 50 characters of the opening message (§4.9 send).
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
}

// ConversationStore is the external collaborator (§1 scope) exposing CRUD on
// conversations. The orchestrator only creates and reads; it never deletes.
type ConversationStore interface {
	Create(ctx context.Context, c *Conversation) error
	Get(ctx context.Context, id string) (*Conversation, bool, error)
}

// MessageStore is the external collaborator exposing CRUD on messages.
type MessageStore interface {
	Append(ctx context.Context, m *Message) error
}

// AgentSessionStatus mirrors Reply.Status for the durable agent_sessions row
// (§6 persisted state); kept as a distinct type so the durable record's
// vocabulary doesn't silently couple to in-memory Reply internals.
type AgentSessionStatus string

const (
	AgentSessionStarting  AgentSessionStatus = "starting"
	AgentSessionRunning   AgentSessionStatus = "running"
	AgentSessionCompleted AgentSessionStatus = "completed"
	AgentSessionCancelled AgentSessionStatus = "cancelled"
	AgentSessionFailed    AgentSessionStatus = "failed"
)

// AgentSessionRecord is the durable row backing one Reply (§6: agent_sessions
// table, columns reply_id unique, status, pid, started_at, finished_at).
type AgentSessionRecord struct {
	ReplyID    string
	Status     AgentSessionStatus
	PID        int
	StartedAt  time.Time
	FinishedAt time.Time
}

// AgentSessionStore persists AgentSessionRecord rows keyed by reply id.
type AgentSessionStore interface {
	Create(ctx context.Context, rec *AgentSessionRecord) error
	UpdateStatus(ctx context.Context, replyID string, status AgentSessionStatus, pid int) error
	Get(ctx context.Context, replyID string) (*AgentSessionRecord, bool, error)
}

// ForensicsStore is the short-lived KV crash-forensics cache (§6: "a
// key-value store holds short-lived agent:reply:{id} state with 1h TTL").
// It is written after every push_events batch and is never authoritative; the
// relational store plus in-memory Reply remain authoritative.
type ForensicsStore interface {
	Put(replyID string, accumulatedText string)
	Get(replyID string) (string, bool)
}
