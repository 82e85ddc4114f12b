package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
)

// PlanStatus is the lifecycle state of a persisted Plan.
type PlanStatus string

const (
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is the persisted projection of coordinator events for one conversation
// (§3 Plan). ActivePhase is nil when no phase is currently active.
type Plan struct {
	ConversationID  string
	Objective       string
	PlanDoc         json.RawMessage
	ActivePhase     *int
	CompletedPhases []int
	PhaseOutputs    map[string]json.RawMessage
	Status          PlanStatus
}

// PlanStore persists Plan rows keyed by conversation id. Implementations must
// make Upsert/Get safe for concurrent use; the Projector itself does not
// serialize across conversations.
type PlanStore interface {
	Get(ctx context.Context, conversationID string) (*Plan, bool, error)
	Upsert(ctx context.Context, plan *Plan) error
}

// coordinator event payload shapes (§4.5, §6).
type planCreatedData struct {
	Plan json.RawMessage `json:"plan"`
}

type planObjective struct {
	Objective string `json:"objective"`
}

type phaseStartedData struct {
	Phase int `json:"phase"`
}

type phaseCompletedData struct {
	Phase      int             `json:"phase"`
	Evaluation json.RawMessage `json:"evaluation"`
}

// Projector applies coordinator_event payloads to persisted Plan state (§4.5).
// All updates are idempotent re-applications of the plan invariants; failures
// to persist are logged by the caller but must never block the event stream.
type Projector struct {
	store PlanStore
}

// NewProjector constructs a Projector backed by store.
func NewProjector(store PlanStore) *Projector {
	return &Projector{store: store}
}

// Apply projects one coordinator_event (identified by eventType/data) onto
// the conversation's plan row. phase_started, phase_completed,
// task_completed, task_failed and execution_failed events referencing a plan
// that doesn't exist yet are dropped with a nil error, so they are not
// logged.
func (p *Projector) Apply(ctx context.Context, conversationID, eventType string, data json.RawMessage) error {
	switch eventType {
	case "plan_created":
		return p.applyPlanCreated(ctx, conversationID, data)
	case "phase_started":
		return p.applyPhaseStarted(ctx, conversationID, data)
	case "phase_completed":
		return p.applyPhaseCompleted(ctx, conversationID, data)
	case "task_completed":
		return p.setStatus(ctx, conversationID, PlanCompleted)
	case "task_failed", "execution_failed":
		return p.setStatus(ctx, conversationID, PlanFailed)
	default:
		return nil
	}
}

func (p *Projector) applyPlanCreated(ctx context.Context, conversationID string, data json.RawMessage) error {
	var pc planCreatedData
	if err := json.Unmarshal(data, &pc); err != nil {
		return Wrap(KindParseError, err, "decode plan_created")
	}
	var obj planObjective
	_ = json.Unmarshal(pc.Plan, &obj)
	plan := &Plan{
		ConversationID:  conversationID,
		Objective:       obj.Objective,
		PlanDoc:         pc.Plan,
		ActivePhase:     nil,
		CompletedPhases: nil,
		PhaseOutputs:    make(map[string]json.RawMessage),
		Status:          PlanRunning,
	}
	return p.store.Upsert(ctx, plan)
}

func (p *Projector) applyPhaseStarted(ctx context.Context, conversationID string, data json.RawMessage) error {
	plan, ok, err := p.store.Get(ctx, conversationID)
	if err != nil {
		return Wrap(KindPersistenceError, err, "load plan")
	}
	if !ok {
		return nil // out-of-order: no plan row yet, drop per §4.5.
	}
	var ps phaseStartedData
	if err := json.Unmarshal(data, &ps); err != nil {
		return Wrap(KindParseError, err, "decode phase_started")
	}
	phase := ps.Phase
	plan.ActivePhase = &phase
	plan.Status = PlanRunning
	return p.store.Upsert(ctx, plan)
}

func (p *Projector) applyPhaseCompleted(ctx context.Context, conversationID string, data json.RawMessage) error {
	plan, ok, err := p.store.Get(ctx, conversationID)
	if err != nil {
		return Wrap(KindPersistenceError, err, "load plan")
	}
	if !ok {
		return nil
	}
	var pc phaseCompletedData
	if err := json.Unmarshal(data, &pc); err != nil {
		return Wrap(KindParseError, err, "decode phase_completed")
	}
	if !containsInt(plan.CompletedPhases, pc.Phase) {
		plan.CompletedPhases = append(plan.CompletedPhases, pc.Phase)
	}
	if len(pc.Evaluation) > 0 {
		if plan.PhaseOutputs == nil {
			plan.PhaseOutputs = make(map[string]json.RawMessage)
		}
		plan.PhaseOutputs[fmt.Sprintf("phase_%d", pc.Phase)] = pc.Evaluation
	}
	if plan.ActivePhase != nil && *plan.ActivePhase == pc.Phase {
		plan.ActivePhase = nil
	}
	return p.store.Upsert(ctx, plan)
}

func (p *Projector) setStatus(ctx context.Context, conversationID string, status PlanStatus) error {
	plan, ok, err := p.store.Get(ctx, conversationID)
	if err != nil {
		return Wrap(KindPersistenceError, err, "load plan")
	}
	if !ok {
		return nil
	}
	plan.Status = status
	return p.store.Upsert(ctx, plan)
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
