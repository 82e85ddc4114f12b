package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/replyforge/agentrelay/internal/telemetry"
)

// SpawnParams carries everything needed to fork one agent turn (§4.1 spawn).
type SpawnParams struct {
	ConversationID string
	ReplyID        string
	UserID         string
	Query          string
	CallbackURL    string
	Model          string
}

// AgentProcess is the handle a ProcessLauncher returns for one spawned agent
// turn. It abstracts over the concrete child (a real *exec.Cmd in production,
// an in-memory fake in tests, per §10.5).
type AgentProcess interface {
	// PID returns the OS process id, or 0 if not meaningful.
	PID() int
	// Signal sends a soft stop request (SIGTERM on Unix).
	Signal() error
	// Kill forcibly terminates the process (SIGKILL on Unix).
	Kill() error
	// Wait returns a channel that is closed once the process exits.
	Wait() <-chan struct{}
}

// ProcessLauncher forks the agent subprocess described by params. Production
// wiring uses an os/exec-backed launcher; tests substitute an in-memory fake
// that hands out process handles without forking anything and never calls
// back over HTTP (§10.5).
type ProcessLauncher interface {
	Launch(ctx context.Context, params SpawnParams) (AgentProcess, error)
}

// Supervisor implements §4.1: spawn, track and terminate agent subprocesses,
// maintaining the Reply table, Conversation Reply Index and durable
// agent_sessions rows.
type Supervisor struct {
	cfg      Config
	launcher ProcessLauncher
	filter   *ToolFilter
	sessions AgentSessionStore
	convos   *ConversationIndex

	log telemetry.Logger
	met telemetry.Metrics

	mu      sync.Mutex
	byReply map[string]*Session
}

// NewSupervisor constructs a Supervisor. launcher, sessions and convos must be
// non-nil; log and met may be no-ops.
func NewSupervisor(cfg Config, launcher ProcessLauncher, filter *ToolFilter, sessions AgentSessionStore, convos *ConversationIndex, log telemetry.Logger, met telemetry.Metrics) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		filter:   filter,
		sessions: sessions,
		convos:   convos,
		log:      log,
		met:      met,
		byReply:  make(map[string]*Session),
	}
}

// Spawn creates the in-memory Reply/Session, records the durable
// agent_sessions row, and forks the child (§4.1 spawn, steps 1-6).
func (sv *Supervisor) Spawn(ctx context.Context, params SpawnParams) (*Session, error) {
	reply := NewReply(params.ReplyID, params.ConversationID, params.UserID)
	sess := newSession(reply, sv.filter, sv.cfg.HubBufferSize)

	sv.convos.Add(params.ConversationID, params.ReplyID)

	rec := &AgentSessionRecord{ReplyID: params.ReplyID, Status: AgentSessionStarting, StartedAt: reply.StartedAt}
	if err := sv.sessions.Create(ctx, rec); err != nil {
		sv.convos.Remove(params.ConversationID, params.ReplyID)
		return nil, Wrap(KindPersistenceError, err, "create agent session record").WithReply(params.ReplyID)
	}

	proc, err := sv.launcher.Launch(ctx, params)
	if err != nil {
		sv.convos.Remove(params.ConversationID, params.ReplyID)
		_ = sv.sessions.UpdateStatus(ctx, params.ReplyID, AgentSessionFailed, 0)
		sv.met.IncCounter("supervisor.spawn_failed", 1, "conversation_id", params.ConversationID)
		return nil, Wrap(KindSpawnFailed, err, "fork agent subprocess").WithReply(params.ReplyID)
	}
	sess.setProc(proc)

	sv.mu.Lock()
	sv.byReply[params.ReplyID] = sess
	sv.mu.Unlock()

	go sv.watchExit(sess, proc)

	reply.Transition(StatusRunning)
	_ = sv.sessions.UpdateStatus(ctx, params.ReplyID, AgentSessionRunning, proc.PID())
	sv.met.IncCounter("supervisor.spawned", 1, "conversation_id", params.ConversationID)

	return sess, nil
}

// watchExit is the exit listener of §4.1 step 5: on process exit, remove the
// session's bookkeeping, and if no terminal event has been observed for the
// reply, synthesize a `failed` terminal pair into the Hub (§8 S6), grounded
// on the pattern of emitting a completion event when a streaming executor's
// Done channel fires without an explicit finish signal.
func (sv *Supervisor) watchExit(sess *Session, proc AgentProcess) {
	<-proc.Wait()
	sess.markExited()

	ctx := context.Background()
	replyID := sess.Reply.ID

	sess.WithHandlerLock(func() {
		if sess.Reply.Status().Terminal() {
			return
		}
		sv.log.Warn(ctx, "agent subprocess exited without finished callback", "reply_id", replyID)
		sess.Reply.Transition(StatusFailed)
		sess.Hub.Close(
			NewErrorEvent("agent process exited unexpectedly"),
			NewDoneEvent(sess.Reply.ConversationID, time.Now().UnixMilli()),
		)
		_ = sv.sessions.UpdateStatus(ctx, replyID, AgentSessionFailed, 0)
		sv.met.IncCounter("supervisor.crashed", 1, "conversation_id", sess.Reply.ConversationID)
	})

	sv.mu.Lock()
	delete(sv.byReply, replyID)
	sv.mu.Unlock()
	sv.convos.Remove(sess.Reply.ConversationID, replyID)
}

// Terminate implements §4.1 terminate: idempotent soft-kill then bounded
// hard-kill, synthetic cancelled/done terminal pair, best-effort transcript
// flush.
func (sv *Supervisor) Terminate(ctx context.Context, replyID string, messages MessageStore) error {
	sess, ok := sv.get(replyID)
	if !ok {
		return New(KindUnknownReply, "no active session for reply").WithReply(replyID)
	}

	var alreadyCancelled bool
	sess.WithHandlerLock(func() {
		if sess.Reply.Cancelled() {
			alreadyCancelled = true
			return
		}
		sess.Reply.SetCancelled()
	})
	if alreadyCancelled {
		return nil
	}

	if sess.process() != nil {
		_ = sess.process().Signal()
		go sv.hardKillAfter(sess, sv.cfg.SoftKillGrace)
	}

	sess.WithHandlerLock(func() {
		if sess.Reply.Status().Terminal() {
			return
		}
		sess.Reply.Transition(StatusCancelled)
		sess.Hub.Close(
			NewCancelledEvent(),
			NewDoneEvent(sess.Reply.ConversationID, time.Now().UnixMilli()),
		)
	})

	if text := sess.Reply.AccumulatedText(); text != "" && messages != nil {
		_ = messages.Append(ctx, &Message{
			ID:             sess.Reply.ID,
			ConversationID: sess.Reply.ConversationID,
			Role:           "assistant",
			Content:        text,
			CreatedAt:      time.Now(),
		})
	}

	_ = sv.sessions.UpdateStatus(ctx, replyID, AgentSessionCancelled, 0)
	sv.met.IncCounter("supervisor.terminated", 1, "conversation_id", sess.Reply.ConversationID)
	return nil
}

func (sv *Supervisor) hardKillAfter(sess *Session, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-sess.Exited():
		return
	case <-timer.C:
		if sess.process() != nil {
			_ = sess.process().Kill()
		}
	}
}

// TerminateConversation implements §4.1 terminate_conversation.
func (sv *Supervisor) TerminateConversation(ctx context.Context, conversationID string, messages MessageStore) error {
	for _, replyID := range sv.convos.Active(conversationID) {
		if err := sv.Terminate(ctx, replyID, messages); err != nil {
			if kind, ok := KindOf(err); !ok || kind != KindUnknownReply {
				return err
			}
		}
	}
	return nil
}

// Complete marks the durable agent_sessions row completed and removes the
// session from live bookkeeping, mirroring the cleanup watchExit performs on
// a crash exit. Called by the Facade on a normal push_finished callback.
func (sv *Supervisor) Complete(ctx context.Context, replyID string) error {
	sess, ok := sv.get(replyID)
	if !ok {
		return nil
	}
	if err := sv.sessions.UpdateStatus(ctx, replyID, AgentSessionCompleted, 0); err != nil {
		return Wrap(KindPersistenceError, err, "mark agent session completed").WithReply(replyID)
	}
	sv.mu.Lock()
	delete(sv.byReply, replyID)
	sv.mu.Unlock()
	sv.convos.Remove(sess.Reply.ConversationID, replyID)
	sv.met.IncCounter("supervisor.completed", 1, "conversation_id", sess.Reply.ConversationID)
	return nil
}

// IsRunning implements §4.1 is_running.
func (sv *Supervisor) IsRunning(replyID string) bool {
	sess, ok := sv.get(replyID)
	if !ok {
		return false
	}
	if sess.Reply.Cancelled() {
		return false
	}
	return sess.isAlive()
}

// Session returns the live Session for replyID, if any.
func (sv *Supervisor) Session(replyID string) (*Session, bool) {
	return sv.get(replyID)
}

func (sv *Supervisor) get(replyID string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sess, ok := sv.byReply[replyID]
	return sess, ok
}

// Cleanup implements §4.1 cleanup: terminate every live session with a bound
// hard-kill window on shutdown.
func (sv *Supervisor) Cleanup(ctx context.Context, messages MessageStore) {
	sv.mu.Lock()
	sessions := make([]*Session, 0, len(sv.byReply))
	for _, sess := range sv.byReply {
		sessions = append(sessions, sess)
	}
	sv.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			_ = sv.Terminate(ctx, sess.Reply.ID, messages)
			select {
			case <-sess.Exited():
			case <-time.After(sv.cfg.ShutdownGrace):
				if sess.process() != nil {
					_ = sess.process().Kill()
				}
			}
		}(sess)
	}
	wg.Wait()
}
