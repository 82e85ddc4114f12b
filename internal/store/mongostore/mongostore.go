// Package mongostore implements the orchestrator's durable store interfaces
// (ConversationStore, MessageStore, AgentSessionStore, PlanStore) on top of
// MongoDB, following the session feature's collection-per-concern layout and
// upsert idioms.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/replyforge/agentrelay/internal/orchestrator"
)

const defaultOpTimeout = 5 * time.Second

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	agentSessionsCollection = "agent_sessions"
	plansCollection         = "plans"
)

// Store bundles the four Mongo-backed collections behind the orchestrator's
// store interfaces.
type Store struct {
	conversations *mongodriver.Collection
	messages      *mongodriver.Collection
	agentSessions *mongodriver.Collection
	plans         *mongodriver.Collection
	timeout       time.Duration
}

// Options configures a Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// New builds a Store and ensures its indexes exist.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		agentSessions: db.Collection(agentSessionsCollection),
		plans:         db.Collection(plansCollection),
		timeout:       timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.conversations.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.agentSessions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "reply_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.plans.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// --- conversations ---

type conversationDocument struct {
	ConversationID string    `bson:"conversation_id"`
	UserID         string    `bson:"user_id"`
	Title          string    `bson:"title"`
	CreatedAt      time.Time `bson:"created_at"`
}

// Conversations returns the ConversationStore view of s.
func (s *Store) Conversations() orchestrator.ConversationStore { return conversationStore{s} }

type conversationStore struct{ s *Store }

func (c conversationStore) Create(ctx context.Context, conv *orchestrator.Conversation) error {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()
	_, err := c.s.conversations.InsertOne(ctx, conversationDocument{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Title:          conv.Title,
		CreatedAt:      conv.CreatedAt.UTC(),
	})
	return err
}

func (c conversationStore) Get(ctx context.Context, id string) (*orchestrator.Conversation, bool, error) {
	ctx, cancel := c.s.withTimeout(ctx)
	defer cancel()
	var doc conversationDocument
	err := c.s.conversations.FindOne(ctx, bson.M{"conversation_id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &orchestrator.Conversation{ID: doc.ConversationID, UserID: doc.UserID, Title: doc.Title, CreatedAt: doc.CreatedAt}, true, nil
}

// --- messages ---

type messageDocument struct {
	MessageID      string    `bson:"message_id"`
	ConversationID string    `bson:"conversation_id"`
	Role           string    `bson:"role"`
	Content        string    `bson:"content"`
	CreatedAt      time.Time `bson:"created_at"`
}

// Messages returns the MessageStore view of s.
func (s *Store) Messages() orchestrator.MessageStore { return messageStore{s} }

type messageStore struct{ s *Store }

// Append upserts on message_id so a retried push_finished callback with the
// same stable message id is silently ignored rather than creating a
// duplicate assistant message (§4.9).
func (m messageStore) Append(ctx context.Context, msg *orchestrator.Message) error {
	ctx, cancel := m.s.withTimeout(ctx)
	defer cancel()
	doc := messageDocument{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UTC(),
	}
	_, err := m.s.messages.UpdateOne(ctx,
		bson.M{"message_id": msg.ID},
		bson.M{"$setOnInsert": doc},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// --- agent sessions ---

type agentSessionDocument struct {
	ReplyID    string                          `bson:"reply_id"`
	Status     orchestrator.AgentSessionStatus `bson:"status"`
	PID        int                             `bson:"pid"`
	StartedAt  time.Time                       `bson:"started_at"`
	FinishedAt time.Time                       `bson:"finished_at,omitempty"`
}

// AgentSessions returns the AgentSessionStore view of s.
func (s *Store) AgentSessions() orchestrator.AgentSessionStore { return agentSessionStore{s} }

type agentSessionStore struct{ s *Store }

func (a agentSessionStore) Create(ctx context.Context, rec *orchestrator.AgentSessionRecord) error {
	ctx, cancel := a.s.withTimeout(ctx)
	defer cancel()
	_, err := a.s.agentSessions.InsertOne(ctx, agentSessionDocument{
		ReplyID:   rec.ReplyID,
		Status:    rec.Status,
		PID:       rec.PID,
		StartedAt: rec.StartedAt.UTC(),
	})
	return err
}

func (a agentSessionStore) UpdateStatus(ctx context.Context, replyID string, status orchestrator.AgentSessionStatus, pid int) error {
	ctx, cancel := a.s.withTimeout(ctx)
	defer cancel()
	set := bson.M{"status": status}
	if pid != 0 {
		set["pid"] = pid
	}
	if status == orchestrator.AgentSessionCompleted || status == orchestrator.AgentSessionCancelled || status == orchestrator.AgentSessionFailed {
		set["finished_at"] = time.Now().UTC()
	}
	_, err := a.s.agentSessions.UpdateOne(ctx, bson.M{"reply_id": replyID}, bson.M{"$set": set})
	return err
}

func (a agentSessionStore) Get(ctx context.Context, replyID string) (*orchestrator.AgentSessionRecord, bool, error) {
	ctx, cancel := a.s.withTimeout(ctx)
	defer cancel()
	var doc agentSessionDocument
	err := a.s.agentSessions.FindOne(ctx, bson.M{"reply_id": replyID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &orchestrator.AgentSessionRecord{
		ReplyID:    doc.ReplyID,
		Status:     doc.Status,
		PID:        doc.PID,
		StartedAt:  doc.StartedAt,
		FinishedAt: doc.FinishedAt,
	}, true, nil
}

// --- plans ---

type planDocument struct {
	ConversationID  string                  `bson:"conversation_id"`
	Objective       string                  `bson:"objective"`
	PlanDoc         bson.Raw                `bson:"plan_doc,omitempty"`
	ActivePhase     *int                    `bson:"active_phase,omitempty"`
	CompletedPhases []int                   `bson:"completed_phases,omitempty"`
	PhaseOutputs    map[string]bson.Raw     `bson:"phase_outputs,omitempty"`
	Status          orchestrator.PlanStatus `bson:"status"`
}

// Plans returns the PlanStore view of s.
func (s *Store) Plans() orchestrator.PlanStore { return planStore{s} }

type planStore struct{ s *Store }

func (p planStore) Get(ctx context.Context, conversationID string) (*orchestrator.Plan, bool, error) {
	ctx, cancel := p.s.withTimeout(ctx)
	defer cancel()
	var doc planDocument
	err := p.s.plans.FindOne(ctx, bson.M{"conversation_id": conversationID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	outputs := make(map[string]json.RawMessage, len(doc.PhaseOutputs))
	for k, v := range doc.PhaseOutputs {
		outputs[k] = json.RawMessage(v)
	}
	return &orchestrator.Plan{
		ConversationID:  doc.ConversationID,
		Objective:       doc.Objective,
		PlanDoc:         json.RawMessage(doc.PlanDoc),
		ActivePhase:     doc.ActivePhase,
		CompletedPhases: doc.CompletedPhases,
		PhaseOutputs:    outputs,
		Status:          doc.Status,
	}, true, nil
}

func (p planStore) Upsert(ctx context.Context, plan *orchestrator.Plan) error {
	ctx, cancel := p.s.withTimeout(ctx)
	defer cancel()
	outputs := make(map[string]bson.Raw, len(plan.PhaseOutputs))
	for k, v := range plan.PhaseOutputs {
		outputs[k] = bson.Raw(v)
	}
	doc := planDocument{
		ConversationID:  plan.ConversationID,
		Objective:       plan.Objective,
		PlanDoc:         bson.Raw(plan.PlanDoc),
		ActivePhase:     plan.ActivePhase,
		CompletedPhases: plan.CompletedPhases,
		PhaseOutputs:    outputs,
		Status:          plan.Status,
	}
	_, err := p.s.plans.ReplaceOne(ctx, bson.M{"conversation_id": plan.ConversationID}, doc, options.Replace().SetUpsert(true))
	return err
}
