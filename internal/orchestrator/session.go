package orchestrator

import (
	"sync"
)

// Session bundles everything the Supervisor and Facade need to drive one
// reply end to end: its durable Reply record, its Accumulator, its Hub, and
// the handler-level exclusion required by §5 ("push_events, push_finished,
// interrupt, and exit-watcher handlers for the same reply are mutually
// exclusive"). handlerMu is the mutex equivalent the specification allows in
// place of a dedicated per-reply actor goroutine.
type Session struct {
	Reply       *Reply
	Hub         *Hub
	Accumulator *Accumulator

	handlerMu sync.Mutex

	mu     sync.Mutex
	proc   AgentProcess
	exited bool
	exitCh chan struct{}
}

func newSession(reply *Reply, filter *ToolFilter, bufferSize int) *Session {
	return &Session{
		Reply:       reply,
		Hub:         NewHub(bufferSize),
		Accumulator: NewAccumulator(reply, filter),
		exitCh:      make(chan struct{}),
	}
}

// WithHandlerLock runs fn with this session's handler exclusion held. Every
// mutation path that touches Accumulator/Hub/Reply.status for this reply must
// go through WithHandlerLock.
func (s *Session) WithHandlerLock(fn func()) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	fn()
}

func (s *Session) setProc(proc AgentProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
}

func (s *Session) process() AgentProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

func (s *Session) markExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	close(s.exitCh)
}

// Exited returns a channel closed once the subprocess has exited.
func (s *Session) Exited() <-chan struct{} {
	return s.exitCh
}

// isAlive reports whether the subprocess is believed to still be running.
func (s *Session) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.exited
}
