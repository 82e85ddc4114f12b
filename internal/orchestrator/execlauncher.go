package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
)

// ExecLauncher is the production ProcessLauncher: it forks the configured
// agent binary via os/exec, passing conversation_id/reply_id/user_id/query/
// callback-url/model as CLI flags and detaching stdio (the agent's channel
// back to the orchestrator is the HTTP callback, not pipes, per §4.1).
type ExecLauncher struct {
	// BinaryPath is the agent executable to fork.
	BinaryPath string
	// BuildArgs renders SpawnParams into CLI arguments. A nil BuildArgs uses
	// defaultBuildArgs.
	BuildArgs func(SpawnParams) []string
}

// NewExecLauncher constructs an ExecLauncher for binaryPath.
func NewExecLauncher(binaryPath string) *ExecLauncher {
	return &ExecLauncher{BinaryPath: binaryPath, BuildArgs: defaultBuildArgs}
}

func defaultBuildArgs(p SpawnParams) []string {
	return []string{
		"--conversation-id", p.ConversationID,
		"--reply-id", p.ReplyID,
		"--user-id", p.UserID,
		"--callback-url", p.CallbackURL,
		"--model", p.Model,
		"--query", p.Query,
	}
}

// Launch forks the agent binary. The child's stdout/stderr are left
// unattached to any pipe; the orchestrator never reads from them. The
// process's lifetime is deliberately independent of ctx (which is typically
// the spawning HTTP request's context and may be cancelled the moment the
// handler returns): termination is driven exclusively by the Supervisor's
// explicit soft-kill/hard-kill sequence.
func (l *ExecLauncher) Launch(ctx context.Context, params SpawnParams) (AgentProcess, error) {
	buildArgs := l.BuildArgs
	if buildArgs == nil {
		buildArgs = defaultBuildArgs
	}
	cmd := exec.Command(l.BinaryPath, buildArgs(params)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	p := &execProcess{cmd: cmd, waitCh: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.waitCh)
	}()
	return p, nil
}

// execProcess adapts an *exec.Cmd to the AgentProcess interface.
type execProcess struct {
	cmd    *exec.Cmd
	waitCh chan struct{}
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() <-chan struct{} {
	return p.waitCh
}
